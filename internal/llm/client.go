package llm

import "context"

// Client is the interface every model provider implements.
type Client interface {
	// Chat sends the ordered messages and returns the single assistant
	// reply. Any error means the model could not be reached or did not
	// answer; callers treat it as the model being unavailable.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
