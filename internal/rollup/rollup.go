// Package rollup compresses one UTC day of raw visits into daily summary rows.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/puyujian/xhs-kapian-sub000/internal/country"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/referer"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
	"github.com/puyujian/xhs-kapian-sub000/internal/useragent"
)

// Store is the storage the aggregator reads raw visits from and writes
// summaries to.
type Store interface {
	ListVisits(ctx context.Context, start, end time.Time) ([]storage.Visit, error)
	ReplaceDay(ctx context.Context, date string, rows []storage.SummaryRow, events int64) error
}

// Result reports what a single AggregateDay call did.
type Result struct {
	Date               string `json:"date"`
	AggregatedGroups   int    `json:"aggregated_groups"`
	RawEventsProcessed int    `json:"raw_events_processed"`
}

// Aggregator runs daily rollups. It is not reentrant: callers must not run
// two AggregateDay calls concurrently (see jobs.Scheduler).
type Aggregator struct {
	store   Store
	metrics *metrics.Metrics
}

// New creates an Aggregator. m may be nil.
func New(store Store, m *metrics.Metrics) *Aggregator {
	return &Aggregator{store: store, metrics: m}
}

// DayBounds returns the inclusive UTC window [00:00:00, 23:59:59.999999999]
// of the calendar day containing t.
func DayBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return start, end
}

// AggregateDay rolls up every raw visit of the UTC day containing day.
//
// A day without visits is a successful no-op and writes nothing. Otherwise the
// day's summary rows are replaced in one transaction, so running the same day
// again recomputes it from the raw log instead of adding to it.
func (a *Aggregator) AggregateDay(ctx context.Context, day time.Time) (Result, error) {
	started := time.Now()
	start, end := DayBounds(day)
	res := Result{Date: storage.FormatDay(start)}

	visits, err := a.store.ListVisits(ctx, start, end)
	if err != nil {
		a.metrics.RecordRollupFailure(time.Since(started).Seconds())
		return res, fmt.Errorf("rollup %s: read visits: %w", res.Date, err)
	}
	if len(visits) == 0 {
		slog.Info("rollup skipped, no visits", "date", res.Date)
		a.metrics.RecordRollup(time.Since(started).Seconds(), 0, 0)
		return res, nil
	}

	rows := Group(visits)
	if err := a.store.ReplaceDay(ctx, res.Date, rows, int64(len(visits))); err != nil {
		a.metrics.RecordRollupFailure(time.Since(started).Seconds())
		return res, fmt.Errorf("rollup %s: write summaries: %w", res.Date, err)
	}

	res.AggregatedGroups = len(rows)
	res.RawEventsProcessed = len(visits)
	elapsed := time.Since(started)
	a.metrics.RecordRollup(elapsed.Seconds(), res.AggregatedGroups, res.RawEventsProcessed)
	slog.Info("rollup complete",
		"date", res.Date,
		"groups", res.AggregatedGroups,
		"events", res.RawEventsProcessed,
		"duration", elapsed,
	)
	return res, nil
}

// Classify computes the summary key of a single visit.
func Classify(v storage.Visit) storage.SummaryKey {
	browser, os := useragent.Classify(v.UserAgent)
	c := country.Unknown
	if strings.TrimSpace(v.Country) != "" {
		c = country.Normalize(v.Country)
	}
	return storage.SummaryKey{
		Date:          storage.FormatDay(v.Timestamp),
		RedirectID:    v.RedirectID,
		Country:       c,
		RefererDomain: referer.Normalize(v.Referer),
		Browser:       browser,
		OS:            os,
	}
}

// Group classifies visits and counts them per summary key. The map is local
// to the call; the output is sorted by key so identical input always yields
// identical rows.
func Group(visits []storage.Visit) []storage.SummaryRow {
	counts := make(map[storage.SummaryKey]int64)
	for _, v := range visits {
		counts[Classify(v)]++
	}

	rows := make([]storage.SummaryRow, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, storage.SummaryRow{SummaryKey: k, VisitCount: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		return keyLess(rows[i].SummaryKey, rows[j].SummaryKey)
	})
	return rows
}

func keyLess(a, b storage.SummaryKey) bool {
	switch {
	case a.Date != b.Date:
		return a.Date < b.Date
	case a.RedirectID != b.RedirectID:
		return a.RedirectID < b.RedirectID
	case a.Country != b.Country:
		return a.Country < b.Country
	case a.RefererDomain != b.RefererDomain:
		return a.RefererDomain < b.RefererDomain
	case a.Browser != b.Browser:
		return a.Browser < b.Browser
	default:
		return a.OS < b.OS
	}
}
