package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Ping verifies database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDatabaseStats returns row counts for the four tables.
func (s *Storage) GetDatabaseStats(ctx context.Context) (DatabaseStats, error) {
	var stats DatabaseStats
	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM visits", &stats.VisitsCount},
		{"SELECT COUNT(*) FROM daily_summaries", &stats.SummariesCount},
		{"SELECT COUNT(*) FROM redirects", &stats.RedirectsCount},
		{"SELECT COUNT(*) FROM rollup_runs", &stats.RollupRunsCount},
	}

	for _, q := range queries {
		row := s.db.QueryRowContext(ctx, q.query)
		if err := row.Scan(q.dest); err != nil {
			return stats, fmt.Errorf("query %q: %w", q.query, err)
		}
	}
	return stats, nil
}

// DBPath returns the database file path.
func (s *Storage) DBPath() string {
	var path string
	row := s.db.QueryRow("PRAGMA database_list")
	var seq int
	var name string
	if err := row.Scan(&seq, &name, &path); err != nil {
		return ""
	}
	return path
}

// DBFileSize returns the on-disk size of the database in bytes, including the
// write-ahead log that holds not yet checkpointed pages.
func (s *Storage) DBFileSize() (int64, error) {
	dbPath := s.DBPath()
	if dbPath == "" || dbPath == ":memory:" {
		return 0, nil
	}
	var total int64
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// LastVisitTime returns the timestamp of the newest raw visit, or zero if the
// table is empty.
func (s *Storage) LastVisitTime(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM visits`).Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}
	return parseTS(ts.String), nil
}
