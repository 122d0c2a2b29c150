package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// UnknownToolError is returned when the model asks for a tool outside
// the fixed set. It usually means the model ignored the protocol.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (available: %s)", e.ToolName, strings.Join(names(), ", "))
}

// Is matches ErrUnknownTool.
func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// InvalidArgumentsError reports a missing or malformed tool argument.
type InvalidArgumentsError struct {
	Tool     Name
	Argument string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	if e.Argument == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: argument %q %s", e.Tool, e.Argument, e.Reason)
}

// Is matches ErrInvalidArguments.
func (e *InvalidArgumentsError) Is(target error) bool { return target == ErrInvalidArguments }

// missingFielder is implemented by lead validation errors. Checking the
// behavior keeps this package independent of the lead store.
type missingFielder interface {
	MissingFields() []string
}

// ErrorKind classifies err for the error_kind metadata field.
func ErrorKind(err error) string {
	var unknown *UnknownToolError
	var invalid *InvalidArgumentsError
	var missing missingFielder
	switch {
	case errors.As(err, &unknown):
		return "unknown_tool"
	case errors.As(err, &invalid):
		return "invalid_arguments"
	case errors.As(err, &missing):
		return "missing_lead_fields"
	default:
		return "tool_error"
	}
}
