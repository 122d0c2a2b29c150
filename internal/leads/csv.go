package leads

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// csvHeader is the column order of the lead CSV file.
var csvHeader = []string{"timestamp", "recruiter_name", "company", "role", "contact", "notes"}

// CSVSink appends leads to a CSV file, writing the header when the file
// is new or empty.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

// NewCSVSink creates a sink for path. Parent directories are created on
// first append.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

// Name implements Appender.
func (c *CSVSink) Name() string { return "csv" }

// Path returns the CSV file path.
func (c *CSVSink) Path() string { return c.path }

// Append implements Appender.
func (c *CSVSink) Append(_ context.Context, l Lead) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create lead directory: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open lead csv: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat lead csv: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	row := []string{
		l.Timestamp.UTC().Format(time.RFC3339),
		l.RecruiterName,
		l.Company,
		l.Role,
		l.Contact,
		l.Notes,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush lead csv: %w", err)
	}
	return f.Sync()
}
