// Package llm provides language model client implementations.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolName names the tool whose result a tool-role message carries.
	ToolName string `json:"tool_name,omitempty"`
}

// ChatResponse is the provider-neutral result of one model call. Wire
// format conversion happens at the provider boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	// Timing, when the provider reports it.
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}
