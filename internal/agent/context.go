package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ContextProvider contributes extra system-prompt text for a message.
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

// CompositeContextProvider joins the output of several providers. A
// failing provider is logged and skipped.
type CompositeContextProvider struct {
	logger    *slog.Logger
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider. Nil is ignored.
func (c *CompositeContextProvider) Add(p ContextProvider) {
	if p != nil {
		c.providers = append(c.providers, p)
	}
}

// GetContext implements ContextProvider.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", fmt.Sprintf("%T", p), "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
