package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyujian/xhs-kapian-sub000/internal/analytics"
	"github.com/puyujian/xhs-kapian-sub000/internal/config"
	"github.com/puyujian/xhs-kapian-sub000/internal/ingest"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/sse"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
	"github.com/puyujian/xhs-kapian-sub000/internal/version"
)

const firefoxLinux = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/119.0"

type fakeRollups struct {
	mu        sync.Mutex
	busy      bool
	triggered []time.Time
	yesterday time.Time
}

func (f *fakeRollups) TriggerAsync(day time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.triggered = append(f.triggered, day)
	return true
}

func (f *fakeRollups) Yesterday() time.Time { return f.yesterday }

type testEnv struct {
	srv     *Server
	store   *storage.Storage
	hub     *sse.Hub
	rollups *fakeRollups
	metrics *metrics.Metrics
}

func setupTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "linkstat-server-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := storage.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cfg := config.Config{
		ListenAddr:       ":8405",
		DBPath:           dbPath,
		DefaultQueryDays: 7,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	m := metrics.New(nil, nil, nil)
	rollups := &fakeRollups{yesterday: time.Date(2024, 1, 9, 0, 10, 0, 0, time.UTC)}
	stats := analytics.New(store, analytics.WithMetrics(m))
	recorder := ingest.NewRecorder(store, nil, m, ingest.Options{})

	hub := sse.NewHub(sse.WithDroppedCounter(m))

	srv := New(store, hub, stats, rollups, recorder, m, cfg)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		store.Close()
		os.RemoveAll(tmpDir)
	})
	return &testEnv{srv: srv, store: store, hub: hub, rollups: rollups, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return e.doBody(t, method, target, header, "")
}

func (e *testEnv) doBody(t *testing.T, method, target string, header http.Header, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthEndpoint_Healthy(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "connected", resp["db"])
	assert.Equal(t, version.Version, resp["version"])
	assert.NotContains(t, resp, "last_visit")
	assert.NotContains(t, resp, "last_rollup")
}

func TestHealthEndpoint_ReportsFreshness(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	red, err := env.store.CreateRedirect(ctx, "abc", "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/abc", nil).Code)
	row := storage.SummaryRow{
		SummaryKey: storage.SummaryKey{Date: "2024-01-01", RedirectID: red.ID, Country: "US",
			RefererDomain: "google.com", Browser: "Chrome", OS: "Windows"},
		VisitCount: 1,
	}
	require.NoError(t, env.store.ReplaceDay(ctx, "2024-01-01", []storage.SummaryRow{row}, 1))

	resp := decode[map[string]any](t, env.do(t, http.MethodGet, "/health", nil))
	assert.Contains(t, resp, "last_visit")
	assert.Equal(t, "2024-01-01", resp["last_rollup"])
}

type downStore struct{ *storage.Storage }

func (downStore) Ping(context.Context) error { return errors.New("disk gone") }

func TestHealthEndpoint_Unhealthy(t *testing.T) {
	env := setupTestServer(t)
	srv := New(downStore{env.store}, nil, nil, nil, nil, nil, config.Config{})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "disconnected", resp["db"])
}

func TestSecurityHeaders(t *testing.T) {
	env := setupTestServer(t)

	for _, endpoint := range []string{"/health", "/robots.txt", "/api/stats/summary", "/r/missing"} {
		t.Run(endpoint, func(t *testing.T) {
			w := env.do(t, http.MethodGet, endpoint, nil)
			assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
			assert.Equal(t, "noindex, nofollow", w.Header().Get("X-Robots-Tag"))
		})
	}
}

func TestRobotsTxt(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/robots.txt", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "User-agent: *\nDisallow: /\n", w.Body.String())
}

func TestRedirect_UnknownKey(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/r/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedirect_RecordsVisit(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	red, err := env.store.CreateRedirect(ctx, "abc", "https://example.com/landing")
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/r/abc", http.Header{
		"User-Agent": {firefoxLinux},
		"Referer":    {"https://news.ycombinator.com/item?id=1"},
	})

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/landing", w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	visits, err := env.store.ListVisitsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, visits, 1)
	v := visits[0]
	assert.Equal(t, red.ID, v.RedirectID)
	assert.Equal(t, "192.0.2.1", v.IP)
	assert.Equal(t, firefoxLinux, v.UserAgent)
	assert.Equal(t, "https://news.ycombinator.com/item?id=1", v.Referer)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.VisitsRecordedTotal))
}

func TestRedirect_ProxyHeaders(t *testing.T) {
	header := http.Header{
		"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"},
		"Cf-Ipcountry":    {"DE"},
	}

	t.Run("trusted", func(t *testing.T) {
		env := setupTestServer(t, func(c *config.Config) { c.TrustProxy = true })
		_, err := env.store.CreateRedirect(context.Background(), "abc", "https://example.com/")
		require.NoError(t, err)

		require.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/abc", header).Code)

		visits, err := env.store.ListVisitsSince(context.Background(), time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, visits, 1)
		assert.Equal(t, "203.0.113.7", visits[0].IP)
		assert.Equal(t, "DE", visits[0].Country)
	})

	t.Run("untrusted", func(t *testing.T) {
		env := setupTestServer(t)
		_, err := env.store.CreateRedirect(context.Background(), "abc", "https://example.com/")
		require.NoError(t, err)

		require.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/abc", header).Code)

		visits, err := env.store.ListVisitsSince(context.Background(), time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, visits, 1)
		assert.Equal(t, "192.0.2.1", visits[0].IP)
		assert.Equal(t, "Unknown", visits[0].Country)
	})
}

func TestStatsEndpoints_RawFallback(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	_, err := env.store.CreateRedirect(ctx, "abc", "https://example.com/a")
	require.NoError(t, err)
	_, err = env.store.CreateRedirect(ctx, "xyz", "https://example.com/x")
	require.NoError(t, err)

	hdr := http.Header{"User-Agent": {firefoxLinux}, "Referer": {"https://www.google.com/search?q=go"}}
	for range 3 {
		require.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/abc", hdr).Code)
	}
	require.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/xyz", nil).Code)

	t.Run("summary", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/summary?days=1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[analytics.Summary](t, w)
		assert.Equal(t, int64(4), got.TotalVisits)
		assert.Equal(t, int64(2), got.ActiveRedirects)
		assert.Equal(t, int64(2), got.TotalRedirects)
		assert.Equal(t, metrics.SourceRaw, got.Source)
	})

	t.Run("timeseries", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/timeseries", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]analytics.DayCount](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, int64(4), got[0].Count)
	})

	t.Run("referers", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/referers?days=7&limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]analytics.RefererCount](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, "www.google.com", got[0].Domain)
		assert.Equal(t, int64(3), got[0].Count)
	})

	t.Run("useragents", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/useragents", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]analytics.UserAgentCount](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, "Firefox", got[0].Browser)
		assert.Equal(t, int64(3), got[0].Count)
	})

	t.Run("countries", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/countries", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]analytics.CountryCount](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, "Unknown", got[0].Country)
		assert.Equal(t, int64(4), got[0].Count)
	})

	t.Run("urls", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/stats/urls?limit=1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[[]analytics.URLCount](t, w)
		require.Len(t, got, 1)
		assert.Equal(t, "abc", got[0].Key)
		assert.Equal(t, "https://example.com/a", got[0].URL)
		assert.Equal(t, int64(3), got[0].Count)
	})

	for _, shape := range []string{"summary", "timeseries", "referers", "useragents", "countries", "urls"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.QueriesTotal.WithLabelValues(shape, metrics.SourceRaw)), shape)
	}
}

func TestStatsEndpoints_EmptyArrays(t *testing.T) {
	env := setupTestServer(t)
	for _, path := range []string{"/api/stats/timeseries", "/api/stats/referers", "/api/stats/urls"} {
		w := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, "[]", w.Body.String(), path)
	}
}

func TestStatsEndpoints_InvalidParams(t *testing.T) {
	env := setupTestServer(t)
	tests := []string{
		"/api/stats/summary?days=abc",
		"/api/stats/summary?days=0",
		"/api/stats/timeseries?days=-2",
		"/api/stats/referers?limit=ten",
		"/api/stats/urls?days=7&limit=0",
		"/api/rollup/runs?limit=x",
	}
	for _, target := range tests {
		t.Run(target, func(t *testing.T) {
			w := env.do(t, http.MethodGet, target, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRollupEndpoint(t *testing.T) {
	t.Run("defaults to yesterday", func(t *testing.T) {
		env := setupTestServer(t)
		w := env.do(t, http.MethodPost, "/api/rollup", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode[map[string]string](t, w)
		assert.Equal(t, "accepted", resp["status"])
		assert.Equal(t, "2024-01-09", resp["date"])
		require.Len(t, env.rollups.triggered, 1)
	})

	t.Run("explicit date", func(t *testing.T) {
		env := setupTestServer(t)
		w := env.do(t, http.MethodPost, "/api/rollup?date=2023-12-31", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, env.rollups.triggered, 1)
		assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), env.rollups.triggered[0])
	})

	t.Run("bad date", func(t *testing.T) {
		env := setupTestServer(t)
		w := env.do(t, http.MethodPost, "/api/rollup?date=31/12/2023", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, env.rollups.triggered)
	})

	t.Run("busy", func(t *testing.T) {
		env := setupTestServer(t)
		env.rollups.busy = true
		w := env.do(t, http.MethodPost, "/api/rollup", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "running", decode[map[string]string](t, w)["status"])
	})

	t.Run("wrong method", func(t *testing.T) {
		env := setupTestServer(t)
		w := env.do(t, http.MethodGet, "/api/rollup", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestRollupRunsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	red, err := env.store.CreateRedirect(ctx, "abc", "https://example.com/")
	require.NoError(t, err)

	for _, date := range []string{"2024-01-01", "2024-01-02"} {
		row := storage.SummaryRow{
			SummaryKey: storage.SummaryKey{
				Date: date, RedirectID: red.ID, Country: "US",
				RefererDomain: "google.com", Browser: "Chrome", OS: "Windows",
			},
			VisitCount: 2,
		}
		require.NoError(t, env.store.ReplaceDay(ctx, date, []storage.SummaryRow{row}, 2))
	}

	w := env.do(t, http.MethodGet, "/api/rollup/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]storage.RollupRun](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, "2024-01-02", runs[0].Date)
	assert.Equal(t, int64(1), runs[0].Groups)
	assert.Equal(t, int64(2), runs[0].Events)
}

func TestRateLimit_AppliesToAPIOnly(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) { c.RateLimitPerMin = 2 })

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/stats/summary", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/stats/summary", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/stats/summary", nil).Code)

	for range 5 {
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
	}
}

func TestHTTPMetrics_UseRoutePattern(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodGet, "/r/one", nil)
	env.do(t, http.MethodGet, "/r/two", nil)
	env.do(t, http.MethodGet, "/nowhere", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "GET /r/{key}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestEventsEndpoint_StreamsRollupEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, env.hub.Publish("rollup", map[string]any{"date": "2024-01-01", "status": "completed"}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: rollup", lines[0])
	assert.JSONEq(t, `{"date":"2024-01-01","status":"completed"}`, strings.TrimPrefix(lines[1], "data: "))
}

func TestEventsEndpoint_DisabledWithoutHub(t *testing.T) {
	env := setupTestServer(t)
	srv := New(env.store, nil, nil, nil, nil, nil, config.Config{})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRedirectEndpoint(t *testing.T) {
	env := setupTestServer(t)

	w := env.doBody(t, http.MethodPost, "/api/redirects", nil, `{"key":"launch","url":"https://example.com/launch"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	red := decode[storage.Redirect](t, w)
	assert.Equal(t, "launch", red.Key)
	assert.NotZero(t, red.ID)

	got, err := env.store.RedirectByKey(context.Background(), "launch")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/launch", got.URL)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"duplicate", `{"key":"launch","url":"https://example.com/other"}`, http.StatusConflict},
		{"bad key", `{"key":"a b","url":"https://example.com"}`, http.StatusBadRequest},
		{"bad url", `{"key":"ok","url":"javascript:alert(1)"}`, http.StatusBadRequest},
		{"unknown field", `{"key":"ok","url":"https://example.com","owner":"me"}`, http.StatusBadRequest},
		{"not json", `key=ok`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doBody(t, http.MethodPost, "/api/redirects", nil, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestStatsEndpoints_ETag(t *testing.T) {
	env := setupTestServer(t)

	first := env.do(t, http.MethodGet, "/api/stats/summary", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	again := env.do(t, http.MethodGet, "/api/stats/summary", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, again.Code)
	assert.Empty(t, again.Body.String())

	_, err := env.store.CreateRedirect(context.Background(), "abc", "https://example.com/")
	require.NoError(t, err)
	changed := env.do(t, http.MethodGet, "/api/stats/summary", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusOK, changed.Code, "new data must change the ETag")
}

func TestRequestID(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	w = env.do(t, http.MethodGet, "/health", http.Header{"X-Request-Id": {"trace-123"}})
	assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
}
