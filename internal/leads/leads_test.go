package leads

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func completeFields() map[string]any {
	return map[string]any{
		"recruiter_name": "Jane Doe",
		"company":        "Acme",
		"role":           "Senior ML Engineer",
		"contact":        "hr@acme.com",
		"notes":          "remote ok",
	}
}

func TestValidate_Missing(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   []string
	}{
		{"empty", map[string]any{}, RequiredFields},
		{"blank strings", map[string]any{"recruiter_name": "  ", "company": "Acme", "role": "\t", "contact": "x"}, []string{"recruiter_name", "role"}},
		{"notes not required", map[string]any{"recruiter_name": "a", "company": "b", "role": "c"}, []string{"contact"}},
		{"object value", map[string]any{"recruiter_name": map[string]any{"first": "a"}, "company": "b", "role": "c", "contact": "d"}, []string{"recruiter_name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := FromFields(tt.fields)
			err := l.Validate()
			var mf *MissingFieldsError
			if !errors.As(err, &mf) {
				t.Fatalf("err = %v, want *MissingFieldsError", err)
			}
			if strings.Join(mf.Fields, ",") != strings.Join(tt.want, ",") {
				t.Errorf("missing = %v, want %v", mf.Fields, tt.want)
			}
			if !errors.Is(err, ErrMissingLeadFields) {
				t.Error("should match ErrMissingLeadFields")
			}
		})
	}
}

func TestFromFields_Coerces(t *testing.T) {
	l := FromFields(map[string]any{"recruiter_name": " Jane ", "contact": 5551234.0})
	if l.RecruiterName != "Jane" {
		t.Errorf("RecruiterName = %q", l.RecruiterName)
	}
	if l.Contact != "5.551234e+06" && l.Contact != "5551234" {
		t.Errorf("Contact = %q, want formatted number", l.Contact)
	}
}

type failingSink struct{}

func (failingSink) Name() string                       { return "broken" }
func (failingSink) Append(context.Context, Lead) error { return errors.New("disk full") }

type recordingNotifier struct {
	mu  sync.Mutex
	got []Lead
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, l Lead) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, l)
	return n.err
}

func TestRecorder_LogLead(t *testing.T) {
	store := testSQLite(t)
	csvPath := filepath.Join(t.TempDir(), "leads", "recruiter_leads.csv")
	notifier := &recordingNotifier{err: errors.New("broker down")}

	r := NewRecorder(testLogger(), notifier, store, NewCSVSink(csvPath))
	r.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 890, time.FixedZone("X", 3600)) }

	ctx := WithSession(context.Background(), "sess-42")
	res, err := r.LogLead(ctx, completeFields())
	if err != nil {
		t.Fatalf("LogLead: %v", err)
	}
	r.Wait()

	if res["status"] != "success" {
		t.Errorf("status = %v", res["status"])
	}
	if res["timestamp"] != "2026-03-04T04:06:07Z" {
		t.Errorf("timestamp = %v, want UTC RFC3339", res["timestamp"])
	}
	if sinks := res["sinks"].([]string); len(sinks) != 2 {
		t.Errorf("sinks = %v", sinks)
	}

	id := res["id"].(string)
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Company != "Acme" || got.Session != "sess-42" || got.Notes != "remote ok" {
		t.Errorf("stored lead = %+v", got)
	}

	if len(notifier.got) != 1 || notifier.got[0].ID != id {
		t.Errorf("notifier got %v, want the lead (errors must not fail logging)", notifier.got)
	}
}

func TestRecorder_MissingFieldsWritesNothing(t *testing.T) {
	store := testSQLite(t)
	r := NewRecorder(testLogger(), nil, store)

	_, err := r.LogLead(context.Background(), map[string]any{"recruiter_name": "Jane"})
	if !errors.Is(err, ErrMissingLeadFields) {
		t.Fatalf("err = %v, want ErrMissingLeadFields", err)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestRecorder_PartialSinkFailure(t *testing.T) {
	store := testSQLite(t)
	r := NewRecorder(testLogger(), nil, failingSink{}, store)

	res, err := r.LogLead(context.Background(), completeFields())
	if err != nil {
		t.Fatalf("one healthy sink should be enough: %v", err)
	}
	if sinks := res["sinks"].([]string); len(sinks) != 1 || sinks[0] != "sqlite" {
		t.Errorf("sinks = %v, want [sqlite]", sinks)
	}

	r = NewRecorder(testLogger(), nil, failingSink{})
	if _, err := r.LogLead(context.Background(), completeFields()); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want sink failure", err)
	}
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	store := testSQLite(t)
	csvPath := filepath.Join(t.TempDir(), "leads.csv")
	r := NewRecorder(testLogger(), nil, store, NewCSVSink(csvPath))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.LogLead(context.Background(), completeFields()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n, _ := store.Count(context.Background()); n != 20 {
		t.Errorf("sqlite count = %d, want 20", n)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("csv corrupted: %v", err)
	}
	if len(rows) != 21 {
		t.Errorf("csv rows = %d, want header + 20", len(rows))
	}
}

func TestCSVSink_HeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "leads.csv")
	sink := NewCSVSink(path)
	lead := Lead{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), RecruiterName: "Jane", Company: "Acme, Inc.", Role: "ML", Contact: "j@acme.com"}

	for i := 0; i < 2; i++ {
		if err := sink.Append(context.Background(), lead); err != nil {
			t.Fatal(err)
		}
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), data)
	}
	if lines[0] != "timestamp,recruiter_name,company,role,contact,notes" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != `2026-01-02T03:04:05Z,Jane,"Acme, Inc.",ML,j@acme.com,` {
		t.Errorf("row = %q", lines[1])
	}
}

func TestSQLiteStore_ListAndGet(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, company := range []string{"Acme", "Globex", "Initech"} {
		l := Lead{ID: company, Timestamp: base.Add(time.Duration(i) * time.Hour), RecruiterName: "r", Company: company, Role: "x", Contact: "c"}
		if err := s.Append(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Company != "Initech" || got[1].Company != "Globex" {
		t.Errorf("List(2) = %+v, want newest first", got)
	}
	all, _ := s.List(ctx, 0)
	if len(all) != 3 {
		t.Errorf("List(0) = %d leads, want 3", len(all))
	}
	if !all[2].Timestamp.Equal(base) {
		t.Errorf("timestamp round trip = %v", all[2].Timestamp)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) err = %v, want ErrNotFound", err)
	}
	if err := s.Append(ctx, Lead{ID: "Acme", RecruiterName: "r", Company: "c", Role: "x", Contact: "c"}); err == nil {
		t.Error("duplicate ID should be rejected")
	}
}

func TestVCard(t *testing.T) {
	card, err := VCard(Lead{
		ID:            "0190c0de-0000-7000-8000-000000000000",
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		RecruiterName: "Jane Q Doe",
		Company:       "Acme",
		Role:          "Senior ML",
		Contact:       "hr@acme.com",
		Notes:         "remote",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(card)
	for _, want := range []string{"BEGIN:VCARD", "VERSION:4.0", "FN:Jane Q Doe", "N:Doe;Jane Q;", "ORG:Acme", "EMAIL:hr@acme.com", "Hiring for: Senior ML", "END:VCARD"} {
		if !strings.Contains(s, want) {
			t.Errorf("vcard missing %q:\n%s", want, s)
		}
	}

	phone, _ := VCard(Lead{ID: "x", RecruiterName: "Bob", Company: "c", Role: "r", Contact: "+1 555 0100"})
	if !strings.Contains(string(phone), "TEL:+1 555 0100") {
		t.Errorf("phone contact not stored as TEL:\n%s", phone)
	}
}
