package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/persona-agent/internal/events"
	"github.com/nugget/persona-agent/internal/leads"
	"github.com/nugget/persona-agent/internal/llm"
	"github.com/nugget/persona-agent/internal/tools"
	"github.com/nugget/persona-agent/internal/usage"
)

// DefaultMaxLoops bounds model calls per turn.
const DefaultMaxLoops = 5

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		},
		[]string{"outcome"},
	)
	turnIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "agent",
			Name:      "turn_iterations",
			Help:      "Model calls per turn.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)
	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "persona",
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Wall time per turn.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
	leadsLoggedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "agent",
			Name:      "leads_logged_total",
			Help:      "Recruiter leads recorded during turns.",
		},
	)
	malformedActionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "persona",
			Subsystem: "agent",
			Name:      "malformed_actions_total",
			Help:      "Model outputs that fell back to a plain reply.",
		},
	)
)

// ToolDispatcher runs a tool call. It always returns a Result to feed
// back to the model; a non-nil error means the Result has failure
// status.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// UsageRecorder persists per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Loop struct {
	logger       *slog.Logger
	llm          llm.Client
	tools        ToolDispatcher
	model        string
	systemPrompt string
	maxLoops     int
	context      ContextProvider
	usage        UsageRecorder
	events       *events.Bus
	providerFor  func(model string) string
	now          func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(p string) Option {
	return func(l *Loop) { l.systemPrompt = p }
}

// WithMaxLoops sets the per-turn model-call budget. Values below one
// are ignored.
func WithMaxLoops(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxLoops = n
		}
	}
}

// WithContextProvider adds per-message system-prompt context.
func WithContextProvider(p ContextProvider) Option {
	return func(l *Loop) { l.context = p }
}

// WithUsage records every model call's token usage.
func WithUsage(u UsageRecorder) Option {
	return func(l *Loop) { l.usage = u }
}

// WithEvents publishes turn progress to bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.events = bus }
}

// WithProviderResolver names the provider serving a model, for usage
// records.
func WithProviderResolver(fn func(model string) string) Option {
	return func(l *Loop) { l.providerFor = fn }
}

// NewLoop creates a loop that calls model on client and dispatches tool
// calls to dispatcher.
func NewLoop(logger *slog.Logger, client llm.Client, dispatcher ToolDispatcher, model string, opts ...Option) *Loop {
	l := &Loop{
		logger:      logger,
		llm:         client,
		tools:       dispatcher,
		model:       model,
		maxLoops:    DefaultMaxLoops,
		providerFor: func(string) string { return "" },
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// turn is the mutable state of one RunTurn call.
type turn struct {
	id          string
	session     string
	model       string
	msgs        []llm.Message
	leadLogged  bool
	leadPayload map[string]any
}

// RunTurn answers one user message. It always returns a TurnResult.
// The error is non-nil only when the model could not be reached, in
// which case it wraps ErrModelUnavailable and the result carries an
// apology.
func (l *Loop) RunTurn(ctx context.Context, req Request) (*TurnResult, error) {
	start := l.now()
	t := &turn{
		id:      uuid.NewString(),
		session: req.SessionID,
		model:   req.Model,
	}
	if t.model == "" {
		t.model = l.model
	}
	intent := LooksLikeRecruiter(req.Message)
	log := l.logger.With("turn_id", t.id, "session_id", t.session)

	ctx, span := otel.Tracer("persona.agent").Start(ctx, "agent.RunTurn",
		trace.WithAttributes(
			attribute.String("turn.id", t.id),
			attribute.String("llm.model", t.model),
			attribute.Bool("turn.recruiter_intent", intent),
		),
	)
	defer span.End()

	if t.session != "" {
		ctx = leads.WithSession(ctx, t.session)
	}

	log.Info("turn started", "model", t.model, "history", len(req.History), "recruiter_intent", intent)
	l.events.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id": t.id, "session_id": t.session, "recruiter_intent": intent,
	})

	t.msgs = BuildMessages(l.buildSystemPrompt(ctx, req.Message), req.History, req.Message)

	res, err := l.iterate(ctx, log, t)
	res.TurnID = t.id

	elapsed := l.now().Sub(start)
	turnsTotal.WithLabelValues(string(res.Outcome)).Inc()
	turnIterations.Observe(float64(res.Iterations))
	turnDuration.Observe(elapsed.Seconds())

	span.SetAttributes(
		attribute.String("turn.outcome", string(res.Outcome)),
		attribute.Int("turn.iterations", res.Iterations),
		attribute.Bool("turn.lead_logged", res.LeadLogged),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	log.Info("turn completed",
		"outcome", res.Outcome,
		"iterations", res.Iterations,
		"lead_logged", res.LeadLogged,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.events.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":     t.id,
		"outcome":     string(res.Outcome),
		"iterations":  res.Iterations,
		"lead_logged": res.LeadLogged,
		"elapsed_ms":  elapsed.Milliseconds(),
	})
	return res, err
}

func (l *Loop) buildSystemPrompt(ctx context.Context, message string) string {
	if l.context == nil {
		return l.systemPrompt
	}
	extra, err := l.context.GetContext(ctx, message)
	if err != nil {
		l.logger.Warn("profile context unavailable", "error", err)
		return l.systemPrompt
	}
	if extra == "" {
		return l.systemPrompt
	}
	return l.systemPrompt + "\n\n" + extra
}

func (l *Loop) iterate(ctx context.Context, log *slog.Logger, t *turn) (*TurnResult, error) {
	for iter := 1; iter <= l.maxLoops; iter++ {
		raw, err := l.callModel(ctx, log, t, iter)
		if err != nil {
			log.Error("model call failed", "iter", iter, "error", err)
			return t.result(ModelUnavailableText, iter, OutcomeModelUnavailable),
				fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		t.msgs = append(t.msgs, llm.Message{Role: llm.RoleAssistant, Content: raw})

		action, perr := DecodeAction(raw)
		if perr != nil {
			malformedActionsTotal.Inc()
			log.Debug("model output is not an action, treating as reply", "iter", iter, "reason", perr)
		}

		switch a := action.(type) {
		case Respond:
			text := Sanitize(a.Text)
			if text == "" {
				text = EmptyReplyText
			}
			return t.result(text, iter, OutcomeResponded), nil
		case InvokeTool:
			l.invokeTool(ctx, log, t, iter, a)
		}
	}

	log.Warn("loop budget exhausted", "max_loops", l.maxLoops)
	return t.result(ExhaustedText, l.maxLoops, OutcomeExhausted), nil
}

func (l *Loop) callModel(ctx context.Context, log *slog.Logger, t *turn, iter int) (string, error) {
	l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"turn_id": t.id, "iter": iter, "model": t.model,
	})
	log.Debug("calling model", "iter", iter, "model", t.model, "messages", len(t.msgs))

	started := l.now()
	resp, err := l.llm.Chat(ctx, t.model, t.msgs)
	if err != nil {
		return "", err
	}

	l.recordUsage(ctx, log, t, iter, resp, l.now().Sub(started))
	l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"turn_id":    t.id,
		"iter":       iter,
		"model":      resp.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
	})
	log.Log(ctx, llm.LevelTrace, "model output", "iter", iter, "content", resp.Message.Content)
	return resp.Message.Content, nil
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, t *turn, iter int, resp *llm.ChatResponse, d time.Duration) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = t.model
	}
	rec := usage.Record{
		Timestamp:    l.now(),
		TurnID:       t.id,
		SessionID:    t.session,
		Iteration:    iter,
		Model:        model,
		Provider:     l.providerFor(t.model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     d,
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		log.Warn("usage record failed", "error", err)
	}
}

func (l *Loop) invokeTool(ctx context.Context, log *slog.Logger, t *turn, iter int, a InvokeTool) {
	l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"turn_id": t.id, "iter": iter, "tool": a.Tool,
	})
	log.Info("tool call", "iter", iter, "tool", a.Tool)

	started := l.now()
	res, err := l.tools.Dispatch(ctx, a.Tool, a.Arguments)
	elapsed := l.now().Sub(started)

	done := map[string]any{
		"turn_id":     t.id,
		"tool":        a.Tool,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		kind := tools.ErrorKind(err)
		done["error_kind"] = kind
		level := slog.LevelInfo
		if errors.Is(err, tools.ErrUnknownTool) {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "tool failed, returning error to model", "tool", a.Tool, "error_kind", kind, "error", err)
	}
	l.events.Emit(events.SourceAgent, events.KindToolDone, done)

	t.msgs = append(t.msgs, llm.Message{Role: llm.RoleTool, Content: res.JSON(), ToolName: a.Tool})

	if err == nil && res.Tool == tools.LogRecruiterLead {
		payload := make(map[string]any, len(a.Arguments)+len(res.Metadata))
		maps.Copy(payload, a.Arguments)
		maps.Copy(payload, res.Metadata)
		t.leadLogged = true
		t.leadPayload = payload
		leadsLoggedTotal.Inc()

		log.Info("recruiter lead logged", "lead_id", payload["id"], "company", payload["company"])
		l.events.Emit(events.SourceLeads, events.KindLeadLogged, map[string]any{
			"turn_id": t.id,
			"lead_id": payload["id"],
			"company": payload["company"],
			"role":    payload["role"],
		})
	}
}

func (t *turn) result(text string, iterations int, outcome Outcome) *TurnResult {
	return &TurnResult{
		Response:    text,
		LeadLogged:  t.leadLogged,
		LeadPayload: t.leadPayload,
		Iterations:  iterations,
		Outcome:     outcome,
	}
}
