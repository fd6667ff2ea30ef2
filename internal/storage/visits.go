package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertVisit appends one raw visit. This is the whole ingestion write path;
// rollups never modify the visits table.
func (s *Storage) InsertVisit(ctx context.Context, v Visit) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.stmtInsertVisit.ExecContext(ctx, v.RedirectID, formatTS(ts), v.IP, v.UserAgent, v.Referer, v.Country)
	if err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	return nil
}

// ListVisits returns every visit with start <= ts <= end, oldest first.
func (s *Storage) ListVisits(ctx context.Context, start, end time.Time) ([]Visit, error) {
	return s.listVisits(ctx, `
SELECT id, redirect_id, ts, ip, user_agent, referer, country
FROM visits
WHERE ts >= ? AND ts <= ?
ORDER BY ts ASC, id ASC
`, formatTS(start), formatTS(end))
}

// ListVisitsSince returns every visit with ts >= start, oldest first.
func (s *Storage) ListVisitsSince(ctx context.Context, start time.Time) ([]Visit, error) {
	return s.listVisits(ctx, `
SELECT id, redirect_id, ts, ip, user_agent, referer, country
FROM visits
WHERE ts >= ?
ORDER BY ts ASC, id ASC
`, formatTS(start))
}

func (s *Storage) listVisits(ctx context.Context, query string, args ...any) ([]Visit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []Visit
	for rows.Next() {
		var v Visit
		var ts string
		if err := rows.Scan(&v.ID, &v.RedirectID, &ts, &v.IP, &v.UserAgent, &v.Referer, &v.Country); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.Timestamp = parseTS(ts)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visits: %w", err)
	}
	return out, nil
}

// CreateRedirect inserts a redirect mapping and returns it with its ID.
func (s *Storage) CreateRedirect(ctx context.Context, key, url string) (Redirect, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO redirects (short_key, url, created_at) VALUES (?, ?, ?)
`, key, url, formatTS(now))
	if isConstraintErr(err) {
		return Redirect{}, fmt.Errorf("create redirect %q: %w", key, ErrDuplicate)
	}
	if err != nil {
		return Redirect{}, fmt.Errorf("create redirect %q: %w", key, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Redirect{}, fmt.Errorf("create redirect %q: %w", key, err)
	}
	return Redirect{ID: id, Key: key, URL: url, CreatedAt: parseTS(formatTS(now))}, nil
}

// RedirectByKey looks up a redirect by its short key. It returns ErrNotFound
// when no mapping exists.
func (s *Storage) RedirectByKey(ctx context.Context, key string) (Redirect, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var r Redirect
	var created string
	err := s.db.QueryRowContext(ctx, `
SELECT id, short_key, url, created_at FROM redirects WHERE short_key = ?
`, key).Scan(&r.ID, &r.Key, &r.URL, &created)
	if err == sql.ErrNoRows {
		return Redirect{}, ErrNotFound
	}
	if err != nil {
		return Redirect{}, fmt.Errorf("get redirect %q: %w", key, err)
	}
	r.CreatedAt = parseTS(created)
	return r, nil
}

// redirectLookupChunk bounds the IN list of one RedirectsByID query, well under
// SQLite's host parameter limit.
const redirectLookupChunk = 500

// RedirectsByID returns the redirects with the given IDs, keyed by ID. IDs
// without a mapping are absent from the result.
func (s *Storage) RedirectsByID(ctx context.Context, ids []int64) (map[int64]Redirect, error) {
	out := make(map[int64]Redirect, len(ids))
	for start := 0; start < len(ids); start += redirectLookupChunk {
		end := min(start+redirectLookupChunk, len(ids))
		if err := s.redirectsByIDChunk(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Storage) redirectsByIDChunk(ctx context.Context, ids []int64, out map[int64]Redirect) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `SELECT id, short_key, url, created_at FROM redirects WHERE id IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("get redirects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Redirect
		var created string
		if err := rows.Scan(&r.ID, &r.Key, &r.URL, &created); err != nil {
			return fmt.Errorf("scan redirect: %w", err)
		}
		r.CreatedAt = parseTS(created)
		out[r.ID] = r
	}
	return rows.Err()
}

// CountRedirects returns the all-time number of redirect mappings.
func (s *Storage) CountRedirects(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM redirects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count redirects: %w", err)
	}
	return n, nil
}
