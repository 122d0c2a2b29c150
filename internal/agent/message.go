// Package agent runs the tool-calling loop for one conversational turn:
// it asks the model for an action, dispatches tool calls, feeds their
// results back, and stops when the model responds or the loop budget is
// spent.
package agent

import (
	"strings"

	"github.com/nugget/persona-agent/internal/llm"
)

// HistoryEntry is one prior message supplied by the caller.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one user turn.
type Request struct {
	Message   string
	History   []HistoryEntry
	SessionID string
	// Model overrides the loop's default model when set.
	Model string
}

// Outcome says how a turn ended.
type Outcome string

// Turn outcomes.
const (
	OutcomeResponded        Outcome = "responded"
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeModelUnavailable Outcome = "model_unavailable"
)

// TurnResult is the single output of a turn. LeadPayload is set exactly
// when LeadLogged is true.
type TurnResult struct {
	Response    string         `json:"response"`
	LeadLogged  bool           `json:"lead_logged"`
	LeadPayload map[string]any `json:"lead_payload,omitempty"`
	Iterations  int            `json:"iterations"`
	Outcome     Outcome        `json:"outcome"`
	TurnID      string         `json:"turn_id"`
}

// BuildMessages assembles the model context: the system prompt, the
// user and assistant entries of history, then the new user message.
func BuildMessages(systemPrompt string, history []HistoryEntry, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, h := range history {
		switch role := strings.ToLower(h.Role); role {
		case llm.RoleUser, llm.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: role, Content: h.Content})
		}
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userMessage})
}
