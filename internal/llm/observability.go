package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "persona.llm"

var (
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of model calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "status"},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of model calls.",
		},
		[]string{"provider", "status"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model calls.",
		},
		[]string{"provider", "direction"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Model call errors by type.",
		},
		[]string{"provider", "error_type"},
	)
)

// classifyError maps err to a low-cardinality label value.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "error 401"), strings.Contains(msg, "error 403"):
		return "auth"
	case strings.Contains(msg, "error 429"):
		return "rate_limit"
	case strings.Contains(msg, "error 5"):
		return "server"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "unreachable"
	default:
		return "unknown"
	}
}

// ObservedClient wraps a Client with a span and Prometheus metrics per
// call. Provider names the label used for both.
type ObservedClient struct {
	next     Client
	provider string
}

// NewObservedClient wraps next. Provider is used as a metric label.
func NewObservedClient(next Client, provider string) *ObservedClient {
	return &ObservedClient{next: next, provider: provider}
}

// Chat forwards to the wrapped client inside an "llm.Chat" span.
func (o *ObservedClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.Chat",
		trace.WithAttributes(
			attribute.String("llm.provider", o.provider),
			attribute.String("llm.model", model),
			attribute.Int("llm.messages", len(messages)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := o.next.Chat(ctx, model, messages)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		errorsTotal.WithLabelValues(o.provider, classifyError(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		tokensTotal.WithLabelValues(o.provider, "input").Add(float64(resp.InputTokens))
		tokensTotal.WithLabelValues(o.provider, "output").Add(float64(resp.OutputTokens))
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.InputTokens),
			attribute.Int("llm.output_tokens", resp.OutputTokens),
		)
	}
	callDuration.WithLabelValues(o.provider, status).Observe(elapsed.Seconds())
	callsTotal.WithLabelValues(o.provider, status).Inc()

	return resp, err
}

// Ping forwards to the wrapped client.
func (o *ObservedClient) Ping(ctx context.Context) error {
	return o.next.Ping(ctx)
}
