package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	_ "modernc.org/sqlite"

	"github.com/nugget/persona-agent/internal/events"
	"github.com/nugget/persona-agent/internal/leads"
	"github.com/nugget/persona-agent/internal/llm"
	"github.com/nugget/persona-agent/internal/tools"
	"github.com/nugget/persona-agent/internal/usage"
)

// scriptedModel returns canned outputs in order and records each call.
type scriptedModel struct {
	mu      sync.Mutex
	outputs []string
	err     error
	calls   [][]llm.Message
}

func (m *scriptedModel) Chat(_ context.Context, model string, msgs []llm.Message) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]llm.Message(nil), msgs...))
	if m.err != nil {
		return nil, m.err
	}
	if len(m.outputs) == 0 {
		return nil, fmt.Errorf("scriptedModel: no output for call %d", len(m.calls))
	}
	out := m.outputs[0]
	if len(m.outputs) > 1 {
		m.outputs = m.outputs[1:]
	}
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: out},
		InputTokens:  100,
		OutputTokens: 20,
	}, nil
}

func (m *scriptedModel) Ping(context.Context) error { return nil }

type fakeProfile struct{}

func (fakeProfile) Section(name string) (any, error) {
	if name == "skills" {
		return map[string]any{"languages": []any{"Go", "Python"}}, nil
	}
	return map[string]any{}, nil
}

func (fakeProfile) Project(name string) (map[string]any, error) {
	if strings.EqualFold(name, "orbit") {
		return map[string]any{"name": "Orbit", "description": "satellite pass scheduler", "stars": 42.0}, nil
	}
	return nil, nil
}

type recordedUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (r *recordedUsage) Record(_ context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	model *scriptedModel
	store *leads.SQLiteStore
	usage *recordedUsage
	bus   *events.Bus
	loop  *Loop
}

func newFixture(t *testing.T, outputs ...string) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := leads.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		model: &scriptedModel{outputs: outputs},
		store: store,
		usage: &recordedUsage{},
		bus:   events.New(events.DefaultHistory),
	}
	recorder := leads.NewRecorder(testLogger(), nil, store)
	f.loop = NewLoop(testLogger(), f.model, tools.NewDispatcher(fakeProfile{}, recorder), "test-model",
		WithSystemPrompt("SYSTEM"),
		WithUsage(f.usage),
		WithEvents(f.bus),
		WithProviderResolver(func(string) string { return "ollama" }),
	)
	return f
}

func toolCall(name string, args map[string]any) string {
	b, _ := json.Marshal(map[string]any{"action": "tool", "tool_name": name, "action_input": args})
	return string(b)
}

func respond(text string) string {
	b, _ := json.Marshal(map[string]any{"action": "respond", "final": text})
	return string(b)
}

func toolMessages(msgs []llm.Message) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func completeLead() map[string]any {
	return map[string]any{
		"recruiter_name": "Jane Doe",
		"company":        "Acme",
		"role":           "Senior ML Engineer",
		"contact":        "hr@acme.com",
		"notes":          "",
	}
}

func TestRunTurn_DirectResponse(t *testing.T) {
	f := newFixture(t, respond("Hi! Ask me anything about my work."))

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "Hi! Ask me anything about my work." || res.Outcome != OutcomeResponded || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.LeadLogged || res.LeadPayload != nil {
		t.Error("no lead should be logged")
	}
	if res.TurnID == "" {
		t.Error("TurnID not set")
	}
	first := f.model.calls[0]
	if first[0].Role != llm.RoleSystem || first[0].Content != "SYSTEM" || first[len(first)-1].Content != "hello" {
		t.Errorf("first call messages = %+v", first)
	}
}

func TestRunTurn_PlainTextReply(t *testing.T) {
	f := newFixture(t, "I mostly write Go these days.")
	res, err := f.loop.RunTurn(context.Background(), Request{Message: "what do you use?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "I mostly write Go these days." || res.Outcome != OutcomeResponded {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTurn_ToolThenRespond(t *testing.T) {
	f := newFixture(t,
		toolCall("get_profile_section", map[string]any{"section_name": "skills"}),
		respond("I work mainly in Go and Python."),
	)

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "skills?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 || res.Response != "I work mainly in Go and Python." {
		t.Errorf("result = %+v", res)
	}

	second := f.model.calls[1]
	tm := toolMessages(second)
	if len(tm) != 1 {
		t.Fatalf("tool messages before second call = %d, want 1", len(tm))
	}
	if tm[0].ToolName != "get_profile_section" || !strings.Contains(tm[0].Content, `"status":"success"`) {
		t.Errorf("tool message = %+v", tm[0])
	}
	if prev := second[len(second)-2]; prev.Role != llm.RoleAssistant {
		t.Errorf("message before tool result = %+v, want the assistant's raw output", prev)
	}
}

func TestRunTurn_ProjectRoundTrip(t *testing.T) {
	f := newFixture(t,
		toolCall("get_project_details", map[string]any{"project_name": "ORBIT"}),
		respond("Orbit schedules satellite passes."),
	)
	if _, err := f.loop.RunTurn(context.Background(), Request{Message: "tell me about orbit"}); err != nil {
		t.Fatal(err)
	}

	var res tools.Result
	tm := toolMessages(f.model.calls[1])
	if err := json.Unmarshal([]byte(tm[0].Content), &res); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"name": "Orbit", "description": "satellite pass scheduler", "stars": 42.0}
	got, _ := res.Data.(map[string]any)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("project data = %v, want %v", got, want)
	}
}

func TestRunTurn_RecruiterScenario(t *testing.T) {
	f := newFixture(t,
		toolCall("log_recruiter_lead", completeLead()),
		respond("Thanks Jane! I've noted the Senior ML Engineer role at Acme and will reach out at hr@acme.com."),
	)

	res, err := f.loop.RunTurn(context.Background(), Request{
		Message:   "I'm hiring for a Senior ML role, please reach me at hr@acme.com",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.LeadLogged {
		t.Fatal("lead_logged = false, want true")
	}
	for _, k := range []string{"recruiter_name", "company", "role", "contact", "timestamp", "id", "status"} {
		if _, ok := res.LeadPayload[k]; !ok {
			t.Errorf("lead_payload missing %q: %v", k, res.LeadPayload)
		}
	}
	if res.LeadPayload["company"] != "Acme" || res.LeadPayload["status"] != "success" {
		t.Errorf("lead_payload = %v", res.LeadPayload)
	}
	if strings.ContainsAny(res.Response, "{}") || !strings.Contains(res.Response, "Thanks Jane") {
		t.Errorf("response = %q", res.Response)
	}

	stored, err := f.store.List(context.Background(), 0)
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored leads = %v, %v", stored, err)
	}
	if stored[0].Session != "sess-1" || stored[0].ID != res.LeadPayload["id"] {
		t.Errorf("stored lead = %+v", stored[0])
	}
}

func TestRunTurn_MissingLeadFieldsContinues(t *testing.T) {
	partial := completeLead()
	delete(partial, "contact")
	f := newFixture(t,
		toolCall("log_recruiter_lead", partial),
		respond("Could you share the best email or phone to reach you?"),
	)

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "we're hiring"})
	if err != nil {
		t.Fatal(err)
	}
	if res.LeadLogged || res.LeadPayload != nil {
		t.Errorf("lead should not be logged: %+v", res)
	}
	if res.Outcome != OutcomeResponded || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}

	var fed tools.Result
	if err := json.Unmarshal([]byte(toolMessages(f.model.calls[1])[0].Content), &fed); err != nil {
		t.Fatal(err)
	}
	if fed.Status != tools.StatusFailure || fed.Metadata["error_kind"] != "missing_lead_fields" {
		t.Errorf("fed back result = %+v", fed)
	}
	if n, _ := f.store.Count(context.Background()); n != 0 {
		t.Errorf("stored %d leads, want 0", n)
	}
}

func TestRunTurn_UnknownToolFedBack(t *testing.T) {
	f := newFixture(t,
		toolCall("delete_everything", nil),
		respond("Sorry, I can't do that."),
	)

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeResponded {
		t.Errorf("outcome = %s", res.Outcome)
	}
	tm := toolMessages(f.model.calls[1])
	if len(tm) != 1 || !strings.Contains(tm[0].Content, "unknown_tool") {
		t.Errorf("tool messages = %+v", tm)
	}
}

func TestRunTurn_Exhausted(t *testing.T) {
	f := newFixture(t, `{"action":"tool","tool_name":"get_profile_section","action_input":{}}`)

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "loop forever"})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.model.calls) != DefaultMaxLoops {
		t.Errorf("model calls = %d, want %d", len(f.model.calls), DefaultMaxLoops)
	}
	if res.Response != ExhaustedText || res.Outcome != OutcomeExhausted || res.Iterations != DefaultMaxLoops {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTurn_ExhaustedKeepsLead(t *testing.T) {
	f := newFixture(t,
		toolCall("log_recruiter_lead", completeLead()),
		toolCall("get_profile_section", map[string]any{"section_name": "skills"}),
	)
	f.loop = NewLoop(testLogger(), f.model, f.loop.tools, "m", WithMaxLoops(2))

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExhausted || !res.LeadLogged {
		t.Errorf("result = %+v, want exhausted with lead", res)
	}
}

func TestRunTurn_ModelUnavailable(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("dial tcp 127.0.0.1:11434: connection refused")

	res, err := f.loop.RunTurn(context.Background(), Request{Message: "hello"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
	if res == nil || res.Response != ModelUnavailableText || res.Outcome != OutcomeModelUnavailable {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTurn_EmptyReply(t *testing.T) {
	f := newFixture(t, respond("   "))
	res, err := f.loop.RunTurn(context.Background(), Request{Message: "?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != EmptyReplyText {
		t.Errorf("response = %q, want EmptyReplyText", res.Response)
	}
}

func TestRunTurn_SanitizesLeakedJSON(t *testing.T) {
	f := newFixture(t, respond(`{"note":"internal"} Happy to help!`))
	res, err := f.loop.RunTurn(context.Background(), Request{Message: "?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "Happy to help!" {
		t.Errorf("response = %q", res.Response)
	}
}

func TestRunTurn_HistoryFiltered(t *testing.T) {
	f := newFixture(t, respond("ok"))
	_, err := f.loop.RunTurn(context.Background(), Request{
		Message: "now",
		History: []HistoryEntry{
			{Role: "user", Content: "before"},
			{Role: "tool", Content: "leak"},
			{Role: "assistant", Content: "reply"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	var roles []string
	for _, m := range f.model.calls[0] {
		roles = append(roles, m.Role)
	}
	if got := strings.Join(roles, ","); got != "system,user,assistant,user" {
		t.Errorf("roles = %s", got)
	}
}

func TestRunTurn_UsageAndEvents(t *testing.T) {
	f := newFixture(t,
		toolCall("get_profile_section", map[string]any{"section_name": "skills"}),
		respond("done"),
	)
	res, err := f.loop.RunTurn(context.Background(), Request{Message: "x", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}

	if len(f.usage.recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(f.usage.recs))
	}
	for i, rec := range f.usage.recs {
		if rec.TurnID != res.TurnID || rec.Iteration != i+1 || rec.Provider != "ollama" || rec.InputTokens != 100 || rec.SessionID != "s" {
			t.Errorf("usage[%d] = %+v", i, rec)
		}
	}

	var kinds []string
	for _, e := range f.bus.Recent() {
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindTurnStart,
		events.KindLLMCall, events.KindLLMResponse, events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindTurnComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

type staticContext string

func (s staticContext) GetContext(context.Context, string) (string, error) { return string(s), nil }

type failingContext struct{}

func (failingContext) GetContext(context.Context, string) (string, error) {
	return "", errors.New("profile unreadable")
}

func TestRunTurn_ContextProvider(t *testing.T) {
	f := newFixture(t, respond("ok"))
	composite := NewCompositeContextProvider(testLogger(), staticContext("## Profile excerpts"), failingContext{}, nil)
	f.loop = NewLoop(testLogger(), f.model, f.loop.tools, "m", WithSystemPrompt("SYS"), WithContextProvider(composite))

	if _, err := f.loop.RunTurn(context.Background(), Request{Message: "skills"}); err != nil {
		t.Fatal(err)
	}
	if got := f.model.calls[0][0].Content; got != "SYS\n\n## Profile excerpts" {
		t.Errorf("system prompt = %q", got)
	}
}

func TestRunTurn_Span(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	f := newFixture(t, respond("hi"))
	if _, err := f.loop.RunTurn(context.Background(), Request{Message: "We're hiring, email me"}); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "agent.RunTurn" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.Emit()
		}
		if attrs["turn.outcome"] != "responded" || attrs["turn.recruiter_intent"] != "true" {
			t.Errorf("span attributes = %v", attrs)
		}
	}
	if !found {
		t.Error("agent.RunTurn span not recorded")
	}
}

func TestRunTurn_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.loop = NewLoop(testLogger(), alternatingModel{}, f.loop.tools, "m")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.loop.RunTurn(context.Background(), Request{Message: "hiring"})
			if err != nil || !res.LeadLogged {
				t.Errorf("turn = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()
	if n, _ := f.store.Count(context.Background()); n != 10 {
		t.Errorf("stored leads = %d, want 10", n)
	}
}

// alternatingModel calls log_recruiter_lead until a tool result is in
// the conversation, then responds.
type alternatingModel struct{}

func (alternatingModel) Chat(_ context.Context, model string, msgs []llm.Message) (*llm.ChatResponse, error) {
	out := toolCall("log_recruiter_lead", completeLead())
	if len(toolMessages(msgs)) > 0 {
		out = respond("thanks")
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: llm.RoleAssistant, Content: out}}, nil
}

func (alternatingModel) Ping(context.Context) error { return nil }
