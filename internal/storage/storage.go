package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a redirect key is already taken.
	ErrDuplicate = errors.New("already exists")
)

func isConstraintErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// Timestamps are stored as fixed-width UTC text so that lexical comparison in
// SQL matches chronological order and substr(ts, 1, 10) is the calendar day.
const (
	tsLayout  = "2006-01-02 15:04:05.000000000"
	dayLayout = "2006-01-02"
)

// Storage provides database operations for the raw visit log, the daily
// summary table and the redirect mappings they reference.
type Storage struct {
	db           *sql.DB
	writeMu      sync.Mutex
	queryTimeout time.Duration

	stmtInsertVisit *sql.Stmt
}

// Options configures the Storage instance.
type Options struct {
	MaxConnections int
	QueryTimeout   time.Duration
}

// New creates a new Storage instance with default options.
// For custom options, use NewWithOptions.
func New(dbPath string) (*Storage, error) {
	return NewWithOptions(dbPath, Options{
		MaxConnections: 1,
		QueryTimeout:   30 * time.Second,
	})
}

// NewWithOptions creates a new Storage instance with the given options.
func NewWithOptions(dbPath string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := dbPath + "?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	s := &Storage{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS redirects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	short_key TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS visits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	redirect_id INTEGER NOT NULL REFERENCES redirects(id) ON DELETE CASCADE,
	ts TEXT NOT NULL,
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	referer TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_visits_ts ON visits(ts);
CREATE INDEX IF NOT EXISTS idx_visits_redirect_ts ON visits(redirect_id, ts);

CREATE TABLE IF NOT EXISTS daily_summaries (
	date TEXT NOT NULL,
	redirect_id INTEGER NOT NULL,
	country TEXT NOT NULL,
	referer_domain TEXT NOT NULL,
	browser TEXT NOT NULL,
	os TEXT NOT NULL,
	visit_count INTEGER NOT NULL DEFAULT 0 CHECK (visit_count >= 0),
	PRIMARY KEY (date, redirect_id, country, referer_domain, browser, os)
);

CREATE INDEX IF NOT EXISTS idx_daily_summaries_redirect ON daily_summaries(redirect_id);

CREATE TABLE IF NOT EXISTS rollup_runs (
	date TEXT PRIMARY KEY,
	group_count INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	completed_at TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) prepareStatements() error {
	var err error
	s.stmtInsertVisit, err = s.db.Prepare(`
INSERT INTO visits (redirect_id, ts, ip, user_agent, referer, country)
VALUES (?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare insert visit: %w", err)
	}
	return nil
}

// Close closes the database connection and prepared statements.
func (s *Storage) Close() error {
	if s.stmtInsertVisit != nil {
		s.stmtInsertVisit.Close()
	}
	return s.db.Close()
}

// QueryTimeout returns the configured query timeout duration.
func (s *Storage) QueryTimeout() time.Duration {
	return s.queryTimeout
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// FormatDay renders the UTC calendar day of t as stored in daily_summaries.
func FormatDay(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
