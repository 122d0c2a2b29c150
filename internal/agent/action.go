package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is what the model asked for: Respond or InvokeTool.
type Action interface {
	action()
}

// Respond ends the turn with Text shown to the user.
type Respond struct {
	Text string
}

// InvokeTool asks for a tool call. Arguments is nil when the model sent
// something other than an object.
type InvokeTool struct {
	Tool      string
	Arguments map[string]any
}

func (Respond) action()    {}
func (InvokeTool) action() {}

// MalformedActionError explains why model output was treated as a plain
// reply. It is informational: DecodeAction still returns a usable Respond.
type MalformedActionError struct {
	Reason string
	Err    error
}

func (e *MalformedActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed action: %s: %v", e.Reason, e.Err)
	}
	return "malformed action: " + e.Reason
}

func (e *MalformedActionError) Unwrap() error { return e.Err }

// ParseAction is DecodeAction without the diagnostic.
func ParseAction(raw string) Action {
	a, _ := DecodeAction(raw)
	return a
}

// DecodeAction interprets model output. It never fails to produce an
// action: output with no JSON object, unbalanced braces, or undecodable
// JSON becomes Respond{raw} together with a *MalformedActionError.
//
// The candidate object runs from the first '{' to the last '}', so
// prose around the object is ignored.
func DecodeAction(raw string) (Action, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return Respond{Text: raw}, &MalformedActionError{Reason: "no JSON object"}
	}
	candidate := raw[start : end+1]
	if !balanced(candidate) {
		return Respond{Text: raw}, &MalformedActionError{Reason: "unbalanced braces"}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return Respond{Text: raw}, &MalformedActionError{Reason: "invalid JSON", Err: err}
	}

	if act, _ := obj["action"].(string); strings.EqualFold(strings.TrimSpace(act), "tool") {
		name, _ := obj["tool_name"].(string)
		if name == "" {
			name, _ = obj["tool"].(string)
		}
		return InvokeTool{Tool: strings.TrimSpace(name), Arguments: arguments(obj)}, nil
	}

	if final, ok := obj["final"].(string); ok {
		return Respond{Text: final}, nil
	}
	return Respond{Text: raw}, nil
}

// arguments extracts the tool arguments. Absent arguments are an empty
// object. A string holding a JSON object is decoded, since some models
// double-encode. Anything else is nil so the dispatcher can reject it.
func arguments(obj map[string]any) map[string]any {
	v, ok := obj["action_input"]
	if !ok {
		v, ok = obj["arguments"]
	}
	if !ok || v == nil {
		return map[string]any{}
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err == nil && m != nil {
			return m
		}
	}
	return nil
}

// balanced reports whether braces nest properly, ignoring braces inside
// JSON string literals.
func balanced(s string) bool {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inString
}
