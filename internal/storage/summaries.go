package storage

import (
	"context"
	"fmt"
	"time"
)

// Sentinel dimension values repeated here so the SQL filters do not depend on
// the normalizer packages.
const (
	unknownDimension = "Unknown"
	refererDirect    = "Direct/Unknown"
	refererInvalid   = "Invalid Referer"
)

// ReplaceDay rewrites the summary rows of one day in a single transaction.
// Existing rows for date are removed, every row is merge-added on its key and
// a rollup_runs marker is upserted. Rows with duplicate keys are summed. If any
// statement fails the transaction is rolled back and the previous rows for the
// day remain visible.
func (s *Storage) ReplaceDay(ctx context.Context, date string, rows []SummaryRow, events int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_summaries WHERE date = ?`, date); err != nil {
		return fmt.Errorf("clear summaries for %s: %w", date, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO daily_summaries (date, redirect_id, country, referer_domain, browser, os, visit_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date, redirect_id, country, referer_domain, browser, os)
DO UPDATE SET visit_count = daily_summaries.visit_count + excluded.visit_count
`)
	if err != nil {
		return fmt.Errorf("prepare summary upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Date != date {
			return fmt.Errorf("summary row dated %s in batch for %s", r.Date, date)
		}
		if r.VisitCount < 0 {
			return fmt.Errorf("negative visit count %d for redirect %d", r.VisitCount, r.RedirectID)
		}
		if _, err := stmt.ExecContext(ctx, r.Date, r.RedirectID, r.Country, r.RefererDomain, r.Browser, r.OS, r.VisitCount); err != nil {
			return fmt.Errorf("upsert summary row: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO rollup_runs (date, group_count, event_count, completed_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
	group_count = excluded.group_count,
	event_count = excluded.event_count,
	completed_at = excluded.completed_at
`, date, len(rows), events, formatTS(time.Now()))
	if err != nil {
		return fmt.Errorf("record rollup run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summaries for %s: %w", date, err)
	}
	return nil
}

// SummaryRows returns every summary row for date, ordered by key.
func (s *Storage) SummaryRows(ctx context.Context, date string) ([]SummaryRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT date, redirect_id, country, referer_domain, browser, os, visit_count
FROM daily_summaries
WHERE date = ?
ORDER BY redirect_id, country, referer_domain, browser, os
`, date)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.Date, &r.RedirectID, &r.Country, &r.RefererDomain, &r.Browser, &r.OS, &r.VisitCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasSummaries reports whether any summary row exists with date >= since.
func (s *Storage) HasSummaries(ctx context.Context, since string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM daily_summaries WHERE date >= ?)
`, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check summaries: %w", err)
	}
	return exists == 1, nil
}

// SummaryTotals sums visits and counts distinct redirects since the given day.
func (s *Storage) SummaryTotals(ctx context.Context, since string) (Totals, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var t Totals
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(visit_count), 0), COUNT(DISTINCT redirect_id)
FROM daily_summaries
WHERE date >= ?
`, since).Scan(&t.Visits, &t.ActiveRedirects)
	if err != nil {
		return Totals{}, fmt.Errorf("summary totals: %w", err)
	}
	return t, nil
}

// SummaryTimeSeries returns per-day visit totals since the given day, ascending.
func (s *Storage) SummaryTimeSeries(ctx context.Context, since string) ([]DayCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT date, SUM(visit_count) AS c
FROM daily_summaries
WHERE date >= ?
GROUP BY date
HAVING c > 0
ORDER BY date ASC
`, since)
	if err != nil {
		return nil, fmt.Errorf("summary time series: %w", err)
	}
	defer rows.Close()

	out := []DayCount{}
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SummaryTopReferers returns the busiest referring domains, excluding the
// direct and invalid sentinels.
func (s *Storage) SummaryTopReferers(ctx context.Context, since string, limit int) ([]RefererStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT referer_domain, SUM(visit_count) AS c
FROM daily_summaries
WHERE date >= ? AND referer_domain NOT IN (?, ?)
GROUP BY referer_domain
HAVING c > 0
ORDER BY c DESC, referer_domain ASC
LIMIT ?
`, since, refererDirect, refererInvalid, limit)
	if err != nil {
		return nil, fmt.Errorf("summary top referers: %w", err)
	}
	defer rows.Close()

	out := []RefererStat{}
	for rows.Next() {
		var r RefererStat
		if err := rows.Scan(&r.Domain, &r.Count); err != nil {
			return nil, fmt.Errorf("scan referer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummaryTopUserAgents returns the busiest (browser, os) pairs, excluding
// pairs where either side is unknown.
func (s *Storage) SummaryTopUserAgents(ctx context.Context, since string, limit int) ([]UserAgentStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT browser, os, SUM(visit_count) AS c
FROM daily_summaries
WHERE date >= ? AND browser != ? AND os != ?
GROUP BY browser, os
HAVING c > 0
ORDER BY c DESC, browser ASC, os ASC
LIMIT ?
`, since, unknownDimension, unknownDimension, limit)
	if err != nil {
		return nil, fmt.Errorf("summary top user agents: %w", err)
	}
	defer rows.Close()

	out := []UserAgentStat{}
	for rows.Next() {
		var u UserAgentStat
		if err := rows.Scan(&u.Browser, &u.OS, &u.Count); err != nil {
			return nil, fmt.Errorf("scan user agent: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SummaryTopCountries returns the busiest countries. Name is left empty for
// the caller to fill.
func (s *Storage) SummaryTopCountries(ctx context.Context, since string, limit int) ([]CountryStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT country, SUM(visit_count) AS c
FROM daily_summaries
WHERE date >= ?
GROUP BY country
HAVING c > 0
ORDER BY c DESC, country ASC
LIMIT ?
`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("summary top countries: %w", err)
	}
	defer rows.Close()

	out := []CountryStat{}
	for rows.Next() {
		var c CountryStat
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, fmt.Errorf("scan country: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SummaryTopRedirects returns the most visited redirects joined with their
// key and target. Summary rows whose redirect no longer exists are skipped.
func (s *Storage) SummaryTopRedirects(ctx context.Context, since string, limit int) ([]URLStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.short_key, r.url, SUM(d.visit_count) AS c
FROM daily_summaries d
JOIN redirects r ON r.id = d.redirect_id
WHERE d.date >= ?
GROUP BY r.id, r.short_key, r.url
HAVING c > 0
ORDER BY c DESC, r.short_key ASC
LIMIT ?
`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("summary top redirects: %w", err)
	}
	defer rows.Close()

	out := []URLStat{}
	for rows.Next() {
		var u URLStat
		if err := rows.Scan(&u.RedirectID, &u.Key, &u.URL, &u.Count); err != nil {
			return nil, fmt.Errorf("scan redirect stat: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RollupRuns returns the most recently rolled-up days, newest date first.
func (s *Storage) RollupRuns(ctx context.Context, limit int) ([]RollupRun, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT date, group_count, event_count, completed_at
FROM rollup_runs
ORDER BY date DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rollup runs: %w", err)
	}
	defer rows.Close()

	out := []RollupRun{}
	for rows.Next() {
		var r RollupRun
		var completed string
		if err := rows.Scan(&r.Date, &r.Groups, &r.Events, &completed); err != nil {
			return nil, fmt.Errorf("scan rollup run: %w", err)
		}
		r.CompletedAt = parseTS(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}
