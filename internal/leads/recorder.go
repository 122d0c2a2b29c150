package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Appender is a durable, append-only lead sink.
type Appender interface {
	// Name identifies the sink in results and logs.
	Name() string
	Append(ctx context.Context, lead Lead) error
}

// Notifier is told about each lead after it has been persisted.
type Notifier interface {
	Notify(ctx context.Context, lead Lead) error
}

// notifyTimeout bounds background notification delivery.
const notifyTimeout = 30 * time.Second

// Recorder validates leads and fans them out to sinks and notifiers.
// It is safe for concurrent use.
type Recorder struct {
	sinks    []Appender
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewRecorder creates a recorder writing to sinks. Notifier may be nil.
func NewRecorder(logger *slog.Logger, notifier Notifier, sinks ...Appender) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sinks:    sinks,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// LogLead validates fields, persists the lead, and returns sink
// metadata: status, id, timestamp, and the sinks that accepted it. A
// lead counts as logged when at least one sink accepted it; failing
// sinks are logged. Missing required fields yield a
// *MissingFieldsError and nothing is written.
func (r *Recorder) LogLead(ctx context.Context, fields map[string]any) (map[string]any, error) {
	lead := FromFields(fields)
	if err := lead.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate lead ID: %w", err)
	}
	lead.ID = id.String()
	lead.Timestamp = r.now().UTC().Truncate(time.Second)
	lead.Session = sessionFrom(ctx)

	if len(r.sinks) == 0 {
		return nil, errors.New("no lead sinks configured")
	}

	var (
		accepted []string
		errs     []error
	)
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, lead); err != nil {
			r.logger.Error("lead sink failed", "sink", sink.Name(), "lead_id", lead.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		accepted = append(accepted, sink.Name())
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("store lead: %w", errors.Join(errs...))
	}

	r.logger.Info("recruiter lead logged",
		"lead_id", lead.ID,
		"company", lead.Company,
		"role", lead.Role,
		"sinks", accepted,
	)
	r.notify(ctx, lead)

	return map[string]any{
		"status":    "success",
		"id":        lead.ID,
		"timestamp": lead.Timestamp.Format(time.RFC3339),
		"sinks":     accepted,
	}, nil
}

// notify delivers in the background so slow channels never delay the
// turn. Wait blocks until deliveries finish.
func (r *Recorder) notify(ctx context.Context, lead Lead) {
	if r.notifier == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(nctx, lead); err != nil {
			r.logger.Warn("lead notification failed", "lead_id", lead.ID, "error", err)
		}
	}()
}

// Wait blocks until pending notifications have been delivered or have
// failed.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
