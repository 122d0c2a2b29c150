package leads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const leadColumns = "id, timestamp, recruiter_name, company, role, contact, notes, session"

// SQLiteStore is the append-only lead table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the lead database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open lead database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore creates a lead store on an open database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate lead schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS leads (
			id             TEXT PRIMARY KEY,
			timestamp      TEXT NOT NULL,
			recruiter_name TEXT NOT NULL,
			company        TEXT NOT NULL,
			role           TEXT NOT NULL,
			contact        TEXT NOT NULL,
			notes          TEXT NOT NULL DEFAULT '',
			session        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_leads_timestamp ON leads(timestamp);
		CREATE INDEX IF NOT EXISTS idx_leads_company ON leads(company);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Name implements Appender.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Append implements Appender.
func (s *SQLiteStore) Append(ctx context.Context, l Lead) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.Timestamp.UTC().Format(time.RFC3339),
		l.RecruiterName,
		l.Company,
		l.Role,
		l.Contact,
		l.Notes,
		l.Session,
	)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// List returns up to limit leads, newest first. A limit of zero or less
// returns every lead.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Get returns the lead with id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return l, err
}

// Count returns the number of stored leads.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leads: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(sc scanner) (Lead, error) {
	var l Lead
	var ts string
	if err := sc.Scan(&l.ID, &ts, &l.RecruiterName, &l.Company, &l.Role, &l.Contact, &l.Notes, &l.Session); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, err
		}
		return Lead{}, fmt.Errorf("scan lead: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Lead{}, fmt.Errorf("parse lead timestamp %q: %w", ts, err)
	}
	l.Timestamp = t
	return l, nil
}
