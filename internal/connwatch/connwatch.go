// Package connwatch tracks whether an external dependency, in practice
// the model backend, is reachable.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial errors. connwatch deals in outages that last seconds
// to minutes: a model server restarting or a model still loading. While
// the service is down it is probed with exponential backoff; once up it
// is polled at a fixed interval.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var serviceUp = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "persona",
		Subsystem: "backend",
		Name:      "up",
		Help:      "Whether a watched dependency answered its last probe (1) or not (0).",
	},
	[]string{"service"},
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay while the service is down.
	Initial time.Duration
	// Max caps retry growth.
	Max time.Duration
	// Poll is the interval between probes while the service is up.
	Poll time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s, and polls a
// healthy service every 60s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Poll:    60 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBackoff overrides the probe schedule. Zero fields keep defaults.
func WithBackoff(b Backoff) Option {
	return func(w *Watcher) { w.backoff = b.withDefaults() }
}

// WithOnChange registers fn to be called after every ready/down
// transition, including the first successful probe. It runs on the
// watcher goroutine and must not block.
func WithOnChange(fn func(Status)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// Watcher probes one service until its Run context ends. Status and
// Ready are safe to call from any goroutine.
type Watcher struct {
	name     string
	probe    ProbeFunc
	backoff  Backoff
	onChange func(Status)
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates a watcher for the named service. It does nothing until
// Run is called.
func New(name string, probe ProbeFunc, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: DefaultBackoff(),
		logger:  logger.With("service", name),
		status:  Status{Name: name},
	}
	for _, opt := range opts {
		opt(w)
	}
	serviceUp.WithLabelValues(name).Set(0)
	return w
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Run probes immediately, then on the backoff schedule, until ctx is
// cancelled. It always returns nil so it can run in an errgroup beside
// components whose failure is fatal.
func (w *Watcher) Run(ctx context.Context) error {
	delay := w.backoff.Initial
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return nil
		}

		next := w.backoff.Poll
		if err != nil {
			next = delay
			delay = min(delay*2, w.backoff.Max)
		} else {
			delay = w.backoff.Initial
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// check runs one probe and records its outcome.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	first := w.status.LastCheck.IsZero()
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	snapshot := w.status
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		serviceUp.WithLabelValues(w.name).Set(1)
		w.logger.Info("service connected")
	case err != nil && wasReady:
		serviceUp.WithLabelValues(w.name).Set(0)
		w.logger.Warn("service became unreachable", "error", err)
	case err != nil && first:
		w.logger.Warn("service not reachable yet, retrying", "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "failures", snapshot.Failures, "error", err)
	}

	if wasReady != snapshot.Ready && w.onChange != nil {
		w.onChange(snapshot)
	}
	return err
}
