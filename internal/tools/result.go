package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Status is the outcome of a tool invocation.
type Status string

// Tool outcomes.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is a tool outcome normalized for the conversation. Metadata
// always carries "status".
type Result struct {
	Tool     Name           `json:"tool"`
	Status   Status         `json:"status"`
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// OK reports whether the tool succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// SuccessResult builds a success result. Extra metadata is copied; its
// own "status" key, if any, is preserved.
func SuccessResult(name Name, data any, meta map[string]any) Result {
	md := map[string]any{"status": string(StatusSuccess)}
	maps.Copy(md, meta)
	return Result{Tool: name, Status: StatusSuccess, Data: data, Metadata: md}
}

// FailureResult builds the failure form of a result, carrying the error
// message and its kind so the model can correct itself.
func FailureResult(name Name, err error) Result {
	md := map[string]any{
		"status":     string(StatusFailure),
		"error":      err.Error(),
		"error_kind": ErrorKind(err),
	}
	var missing missingFielder
	if errors.As(err, &missing) {
		md["missing_fields"] = missing.MissingFields()
	}
	return Result{Tool: name, Status: StatusFailure, Metadata: md}
}

// JSON renders the result for a tool-role message.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		// Data came from a collaborator and may hold unencodable values.
		fallback, _ := json.Marshal(FailureResult(r.Tool, fmt.Errorf("encode result: %w", err)))
		return string(fallback)
	}
	return string(b)
}
