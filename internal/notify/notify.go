// Package notify tells the profile owner about new recruiter leads over
// MQTT and email. Delivery problems are reported to the caller, which
// logs them; they never undo a recorded lead.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/persona-agent/internal/leads"
)

// Notifier delivers a lead notification on one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, lead leads.Lead) error
}

// Multi fans a lead out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements leads.Notifier.
func (m Multi) Notify(ctx context.Context, lead leads.Lead) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, lead); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
