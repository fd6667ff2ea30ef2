package analytics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/rollup"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	firefoxLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/119.0"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"
)

func setupStore(t *testing.T) *storage.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "linkstat-analytics-*")
	require.NoError(t, err)
	s, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(dir)
	})
	return s
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestWindow(t *testing.T) {
	svc := New(nil, fixedClock(time.Date(2024, 1, 10, 15, 4, 5, 0, time.UTC)))

	tests := []struct {
		days int
		want time.Time
	}{
		{1, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)},
		{7, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)},
		{0, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)},
		{-3, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, svc.Window(tt.days), "days=%d", tt.days)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, DefaultLimit, NormalizeLimit(-5))
	assert.Equal(t, 3, NormalizeLimit(3))
	assert.Equal(t, MaxLimit, NormalizeLimit(5000))
}

func TestService_FallbackAnswersFromRawVisits(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	a, err := s.CreateRedirect(ctx, "a", "https://example.com/a")
	require.NoError(t, err)
	b, err := s.CreateRedirect(ctx, "b", "https://example.com/b")
	require.NoError(t, err)

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertVisit(ctx, storage.Visit{RedirectID: a.ID, Timestamp: day.Add(time.Duration(i) * time.Hour), Country: "US"}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertVisit(ctx, storage.Visit{RedirectID: b.ID, Timestamp: day.Add(time.Duration(i+5) * time.Hour), Country: "CA"}))
	}

	svc := New(s, fixedClock(day.Add(20*time.Hour)))
	series, err := svc.TimeSeries(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []DayCount{{Date: "2024-01-01", Count: 5}}, series)

	sum, err := svc.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalVisits: 5, ActiveRedirects: 2, TotalRedirects: 2, Source: metrics.SourceRaw}, sum)

	countries, err := svc.TopCountries(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []CountryCount{
		{Country: "US", Name: "United States", Count: 3},
		{Country: "CA", Name: "Canada", Count: 2},
	}, countries)
}

type answers struct {
	summary    Summary
	series     []DayCount
	referers   []RefererCount
	userAgents []UserAgentCount
	countries  []CountryCount
	urls       []URLCount
}

func collect(t *testing.T, svc *Service, days, limit int) answers {
	t.Helper()
	ctx := context.Background()
	var a answers
	var err error
	a.summary, err = svc.Summary(ctx, days)
	require.NoError(t, err)
	a.series, err = svc.TimeSeries(ctx, days)
	require.NoError(t, err)
	a.referers, err = svc.TopReferers(ctx, days, limit)
	require.NoError(t, err)
	a.userAgents, err = svc.TopUserAgents(ctx, days, limit)
	require.NoError(t, err)
	a.countries, err = svc.TopCountries(ctx, days, limit)
	require.NoError(t, err)
	a.urls, err = svc.TopURLs(ctx, days, limit)
	require.NoError(t, err)
	return a
}

// seedThreeDays writes a mixed workload over 2024-03-01..03.
func seedThreeDays(t *testing.T, s *storage.Storage) time.Time {
	t.Helper()
	ctx := context.Background()

	var ids []int64
	for _, k := range []string{"alpha", "beta", "gamma"} {
		r, err := s.CreateRedirect(ctx, k, "https://example.com/"+k)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	uas := []string{chromeWindows, firefoxLinux, safariIPhone, "", "Mozilla/5.0 (compatible; Googlebot/2.1)"}
	refs := []string{"https://google.com/search", "", "https://m.weibo.cn/abc", "未知", "http://[::1", "https://t.co/x", "https://google.com/other"}
	countries := []string{"US", "CA", "", "DE", "US", "CN"}

	first := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	for d := 0; d < 3; d++ {
		for n := 0; n < 25+d*7; n++ {
			require.NoError(t, s.InsertVisit(ctx, storage.Visit{
				RedirectID: ids[(i*7)%len(ids)],
				Timestamp:  first.AddDate(0, 0, d).Add(time.Duration(n) * 37 * time.Minute),
				UserAgent:  uas[i%len(uas)],
				Referer:    refs[i%len(refs)],
				Country:    countries[i%len(countries)],
			}))
			i++
		}
	}
	return first
}

func TestService_FallbackAgreesWithRollup(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	first := seedThreeDays(t, s)

	svc := New(s, fixedClock(first.AddDate(0, 0, 2).Add(23*time.Hour)))

	for _, limit := range []int{2, 10} {
		raw := collect(t, svc, 3, limit)
		require.Equal(t, metrics.SourceRaw, raw.summary.Source)

		agg := rollup.New(s, nil)
		for d := 0; d < 3; d++ {
			_, err := agg.AggregateDay(ctx, first.AddDate(0, 0, d))
			require.NoError(t, err)
		}

		sum := collect(t, svc, 3, limit)
		require.Equal(t, metrics.SourceSummary, sum.summary.Source)

		raw.summary.Source, sum.summary.Source = "", ""
		assert.Equal(t, raw, sum, "limit=%d", limit)

		// Drop the summaries again so the next iteration starts from raw.
		for d := 0; d < 3; d++ {
			require.NoError(t, s.ReplaceDay(ctx, storage.FormatDay(first.AddDate(0, 0, d)), nil, 0))
		}
	}
}

func TestService_ExclusionsOnBothPaths(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	first := seedThreeDays(t, s)
	svc := New(s, fixedClock(first.AddDate(0, 0, 2)))

	check := func(t *testing.T) {
		refs, err := svc.TopReferers(ctx, 3, 100)
		require.NoError(t, err)
		require.NotEmpty(t, refs)
		for _, r := range refs {
			assert.NotEqual(t, "Direct/Unknown", r.Domain)
			assert.NotEqual(t, "Invalid Referer", r.Domain)
		}
		uas, err := svc.TopUserAgents(ctx, 3, 100)
		require.NoError(t, err)
		require.NotEmpty(t, uas)
		for _, u := range uas {
			assert.NotEqual(t, "Unknown", u.Browser)
			assert.NotEqual(t, "Unknown", u.OS)
		}
		for i := 1; i < len(refs); i++ {
			assert.GreaterOrEqual(t, refs[i-1].Count, refs[i].Count)
		}
	}

	t.Run("raw", check)

	agg := rollup.New(s, nil)
	for d := 0; d < 3; d++ {
		_, err := agg.AggregateDay(ctx, first.AddDate(0, 0, d))
		require.NoError(t, err)
	}
	t.Run("summary", check)
}

func TestService_PartialSummariesAreNotMerged(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	r, err := s.CreateRedirect(ctx, "k", "https://example.com/k")
	require.NoError(t, err)
	day1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertVisit(ctx, storage.Visit{RedirectID: r.ID, Timestamp: day1.Add(time.Duration(i) * time.Hour)}))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertVisit(ctx, storage.Visit{RedirectID: r.ID, Timestamp: day2.Add(time.Duration(i) * time.Hour)}))
	}

	_, err = rollup.New(s, nil).AggregateDay(ctx, day1)
	require.NoError(t, err)

	svc := New(s, fixedClock(day2.Add(12*time.Hour)))
	series, err := svc.TimeSeries(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []DayCount{{Date: "2024-05-01", Count: 3}}, series, "today's raw visits are not merged into a partially summarised window")

	today, err := svc.TimeSeries(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []DayCount{{Date: "2024-05-02", Count: 4}}, today, "a window without summaries falls back to raw")
}

func TestService_EmptyData(t *testing.T) {
	s := setupStore(t)
	svc := New(s, fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	a := collect(t, svc, 7, 10)
	assert.Equal(t, Summary{Source: metrics.SourceRaw}, a.summary)
	assert.NotNil(t, a.series)
	assert.Empty(t, a.series)
	assert.NotNil(t, a.referers)
	assert.Empty(t, a.urls)
}

func TestService_TopURLsSkipsDeletedRedirects(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fs := &fakeStore{
		visits: []storage.Visit{
			{RedirectID: 1, Timestamp: day},
			{RedirectID: 2, Timestamp: day},
			{RedirectID: 2, Timestamp: day},
		},
		redirects: map[int64]storage.Redirect{1: {ID: 1, Key: "one", URL: "https://one"}},
	}
	svc := New(fs, fixedClock(day))
	urls, err := svc.TopURLs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []URLCount{{RedirectID: 1, Key: "one", URL: "https://one", Count: 1}}, urls)
}

func TestService_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("disk I/O error")
	ctx := context.Background()

	t.Run("summary check", func(t *testing.T) {
		svc := New(&fakeStore{hasErr: boom})
		_, err := svc.TopReferers(ctx, 7, 10)
		assert.ErrorIs(t, err, boom)
	})
	t.Run("raw fallback", func(t *testing.T) {
		svc := New(&fakeStore{listErr: boom})
		_, err := svc.TimeSeries(ctx, 7)
		assert.ErrorIs(t, err, boom)
	})
	t.Run("redirect count", func(t *testing.T) {
		svc := New(&fakeStore{countErr: boom})
		_, err := svc.Summary(ctx, 7)
		assert.ErrorIs(t, err, boom)
	})
}

type fakeStore struct {
	visits    []storage.Visit
	redirects map[int64]storage.Redirect
	hasErr    error
	listErr   error
	countErr  error
}

func (f *fakeStore) HasSummaries(context.Context, string) (bool, error) { return false, f.hasErr }
func (f *fakeStore) SummaryTotals(context.Context, string) (storage.Totals, error) {
	return storage.Totals{}, nil
}
func (f *fakeStore) SummaryTimeSeries(context.Context, string) ([]storage.DayCount, error) {
	return nil, nil
}
func (f *fakeStore) SummaryTopReferers(context.Context, string, int) ([]storage.RefererStat, error) {
	return nil, nil
}
func (f *fakeStore) SummaryTopUserAgents(context.Context, string, int) ([]storage.UserAgentStat, error) {
	return nil, nil
}
func (f *fakeStore) SummaryTopCountries(context.Context, string, int) ([]storage.CountryStat, error) {
	return nil, nil
}
func (f *fakeStore) SummaryTopRedirects(context.Context, string, int) ([]storage.URLStat, error) {
	return nil, nil
}
func (f *fakeStore) ListVisitsSince(context.Context, time.Time) ([]storage.Visit, error) {
	return f.visits, f.listErr
}
func (f *fakeStore) RedirectsByID(_ context.Context, ids []int64) (map[int64]storage.Redirect, error) {
	out := make(map[int64]storage.Redirect)
	for _, id := range ids {
		if r, ok := f.redirects[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}
func (f *fakeStore) CountRedirects(context.Context) (int64, error) { return int64(len(f.redirects)), f.countErr }
