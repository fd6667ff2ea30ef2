// Package analytics answers aggregate visit questions over a trailing window
// of days. Every query prefers the daily summary table and falls back to
// recomputing from the raw visit log when no summary rows exist in the window.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puyujian/xhs-kapian-sub000/internal/country"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/referer"
	"github.com/puyujian/xhs-kapian-sub000/internal/rollup"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
	"github.com/puyujian/xhs-kapian-sub000/internal/useragent"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Result row types, one per query shape.
type (
	DayCount       = storage.DayCount
	RefererCount   = storage.RefererStat
	UserAgentCount = storage.UserAgentStat
	CountryCount   = storage.CountryStat
	URLCount       = storage.URLStat
)

// Summary is the totals shape.
type Summary struct {
	TotalVisits     int64  `json:"total_visits"`
	ActiveRedirects int64  `json:"active_redirects"`
	TotalRedirects  int64  `json:"total_redirects"`
	Source          string `json:"source"`
}

// Store is everything the query layer reads.
type Store interface {
	HasSummaries(ctx context.Context, since string) (bool, error)
	SummaryTotals(ctx context.Context, since string) (storage.Totals, error)
	SummaryTimeSeries(ctx context.Context, since string) ([]storage.DayCount, error)
	SummaryTopReferers(ctx context.Context, since string, limit int) ([]storage.RefererStat, error)
	SummaryTopUserAgents(ctx context.Context, since string, limit int) ([]storage.UserAgentStat, error)
	SummaryTopCountries(ctx context.Context, since string, limit int) ([]storage.CountryStat, error)
	SummaryTopRedirects(ctx context.Context, since string, limit int) ([]storage.URLStat, error)

	ListVisitsSince(ctx context.Context, start time.Time) ([]storage.Visit, error)
	RedirectsByID(ctx context.Context, ids []int64) (map[int64]storage.Redirect, error)
	CountRedirects(ctx context.Context) (int64, error)
}

// Service is the query layer. It holds no mutable state and is safe for
// concurrent use.
type Service struct {
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used to compute query windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records per-shape query sources.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the first instant of a trailing window of days ending today
// (UTC). days below 1 are treated as 1.
func (s *Service) Window(days int) time.Time {
	if days < 1 {
		days = 1
	}
	start, _ := rollup.DayBounds(s.now())
	return start.AddDate(0, 0, -(days - 1))
}

// NormalizeLimit applies the default and cap to a requested top-N size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// source decides which store answers the query for the window starting at
// start. It returns the raw visits, already grouped, when summaries are absent.
func (s *Service) source(ctx context.Context, shape string, start time.Time) (string, []storage.SummaryRow, error) {
	since := storage.FormatDay(start)
	ok, err := s.store.HasSummaries(ctx, since)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", shape, err)
	}
	if ok {
		s.metrics.RecordQuery(shape, metrics.SourceSummary)
		return metrics.SourceSummary, nil, nil
	}

	visits, err := s.store.ListVisitsSince(ctx, start)
	if err != nil {
		return "", nil, fmt.Errorf("%s fallback: %w", shape, err)
	}
	s.metrics.RecordQuery(shape, metrics.SourceRaw)
	return metrics.SourceRaw, rollup.Group(visits), nil
}

// Summary returns the visit total, the number of redirects visited in the
// window and the all-time number of redirects.
func (s *Service) Summary(ctx context.Context, days int) (Summary, error) {
	start := s.Window(days)
	src, rows, err := s.source(ctx, "summary", start)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{Source: src}
	if src == metrics.SourceSummary {
		t, err := s.store.SummaryTotals(ctx, storage.FormatDay(start))
		if err != nil {
			return Summary{}, fmt.Errorf("summary: %w", err)
		}
		out.TotalVisits = t.Visits
		out.ActiveRedirects = t.ActiveRedirects
	} else {
		active := make(map[int64]struct{})
		for _, r := range rows {
			out.TotalVisits += r.VisitCount
			active[r.RedirectID] = struct{}{}
		}
		out.ActiveRedirects = int64(len(active))
	}

	total, err := s.store.CountRedirects(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("summary: %w", err)
	}
	out.TotalRedirects = total
	return out, nil
}

// TimeSeries returns per-day visit counts in ascending date order. Days
// without visits are omitted.
func (s *Service) TimeSeries(ctx context.Context, days int) ([]DayCount, error) {
	start := s.Window(days)
	src, rows, err := s.source(ctx, "timeseries", start)
	if err != nil {
		return nil, err
	}
	if src == metrics.SourceSummary {
		out, err := s.store.SummaryTimeSeries(ctx, storage.FormatDay(start))
		if err != nil {
			return nil, fmt.Errorf("timeseries: %w", err)
		}
		return out, nil
	}

	byDay := make(map[string]int64)
	for _, r := range rows {
		byDay[r.Date] += r.VisitCount
	}
	out := make([]DayCount, 0, len(byDay))
	for d, n := range byDay {
		out = append(out, DayCount{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// TopReferers returns the busiest referring domains, excluding direct and
// invalid referers.
func (s *Service) TopReferers(ctx context.Context, days, limit int) ([]RefererCount, error) {
	limit = NormalizeLimit(limit)
	start := s.Window(days)
	src, rows, err := s.source(ctx, "referers", start)
	if err != nil {
		return nil, err
	}
	if src == metrics.SourceSummary {
		out, err := s.store.SummaryTopReferers(ctx, storage.FormatDay(start), limit)
		if err != nil {
			return nil, fmt.Errorf("referers: %w", err)
		}
		return out, nil
	}

	counts := make(map[string]int64)
	for _, r := range rows {
		if referer.IsSentinel(r.RefererDomain) {
			continue
		}
		counts[r.RefererDomain] += r.VisitCount
	}
	out := make([]RefererCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, RefererCount{Domain: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	return truncate(out, limit), nil
}

// TopUserAgents returns the busiest (browser, os) pairs, excluding pairs where
// either side is Unknown.
func (s *Service) TopUserAgents(ctx context.Context, days, limit int) ([]UserAgentCount, error) {
	limit = NormalizeLimit(limit)
	start := s.Window(days)
	src, rows, err := s.source(ctx, "useragents", start)
	if err != nil {
		return nil, err
	}
	if src == metrics.SourceSummary {
		out, err := s.store.SummaryTopUserAgents(ctx, storage.FormatDay(start), limit)
		if err != nil {
			return nil, fmt.Errorf("useragents: %w", err)
		}
		return out, nil
	}

	type pair struct{ browser, os string }
	counts := make(map[pair]int64)
	for _, r := range rows {
		if r.Browser == useragent.Unknown || r.OS == useragent.Unknown {
			continue
		}
		counts[pair{r.Browser, r.OS}] += r.VisitCount
	}
	out := make([]UserAgentCount, 0, len(counts))
	for p, n := range counts {
		out = append(out, UserAgentCount{Browser: p.browser, OS: p.os, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Browser != b.Browser {
			return a.Browser < b.Browser
		}
		return a.OS < b.OS
	})
	return truncate(out, limit), nil
}

// TopCountries returns the busiest countries with their display names.
func (s *Service) TopCountries(ctx context.Context, days, limit int) ([]CountryCount, error) {
	limit = NormalizeLimit(limit)
	start := s.Window(days)
	src, rows, err := s.source(ctx, "countries", start)
	if err != nil {
		return nil, err
	}

	var out []CountryCount
	if src == metrics.SourceSummary {
		out, err = s.store.SummaryTopCountries(ctx, storage.FormatDay(start), limit)
		if err != nil {
			return nil, fmt.Errorf("countries: %w", err)
		}
	} else {
		counts := make(map[string]int64)
		for _, r := range rows {
			counts[r.Country] += r.VisitCount
		}
		out = make([]CountryCount, 0, len(counts))
		for c, n := range counts {
			out = append(out, CountryCount{Country: c, Count: n})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			return out[i].Country < out[j].Country
		})
		out = truncate(out, limit)
	}

	for i := range out {
		out[i].Name = country.Name(out[i].Country)
	}
	return out, nil
}

// TopURLs returns the most visited redirects with their key and target.
// Visits whose redirect no longer exists are not reported.
func (s *Service) TopURLs(ctx context.Context, days, limit int) ([]URLCount, error) {
	limit = NormalizeLimit(limit)
	start := s.Window(days)
	src, rows, err := s.source(ctx, "urls", start)
	if err != nil {
		return nil, err
	}
	if src == metrics.SourceSummary {
		out, err := s.store.SummaryTopRedirects(ctx, storage.FormatDay(start), limit)
		if err != nil {
			return nil, fmt.Errorf("urls: %w", err)
		}
		return out, nil
	}

	counts := make(map[int64]int64)
	for _, r := range rows {
		counts[r.RedirectID] += r.VisitCount
	}
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	redirects, err := s.store.RedirectsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("urls fallback: %w", err)
	}

	out := make([]URLCount, 0, len(redirects))
	for id, n := range counts {
		r, ok := redirects[id]
		if !ok {
			continue
		}
		out = append(out, URLCount{RedirectID: id, Key: r.Key, URL: r.URL, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return truncate(out, limit), nil
}

func truncate[T any](s []T, limit int) []T {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
