package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/puyujian/xhs-kapian-sub000/internal/analytics"
	"github.com/puyujian/xhs-kapian-sub000/internal/config"
	"github.com/puyujian/xhs-kapian-sub000/internal/ingest"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/sse"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
	"github.com/puyujian/xhs-kapian-sub000/internal/validate"
	"github.com/puyujian/xhs-kapian-sub000/internal/version"
)

const (
	defaultRunsLimit  = 30
	keepAliveInterval = 30 * time.Second
	maxBodyBytes      = 1 << 20
	maxRequestIDLen   = 128
)

type ctxKey int

const requestIDKey ctxKey = iota

// Store is the part of the database the HTTP layer talks to directly.
type Store interface {
	Ping(ctx context.Context) error
	RedirectByKey(ctx context.Context, key string) (storage.Redirect, error)
	CreateRedirect(ctx context.Context, key, url string) (storage.Redirect, error)
	LastVisitTime(ctx context.Context) (time.Time, error)
	RollupRuns(ctx context.Context, limit int) ([]storage.RollupRun, error)
}

// Rollups triggers background rollups.
type Rollups interface {
	TriggerAsync(day time.Time) bool
	Yesterday() time.Time
}

// VisitRecorder appends one visit to the raw log.
type VisitRecorder interface {
	Record(ctx context.Context, h ingest.Hit) error
}

type Server struct {
	store       Store
	hub         *sse.Hub
	stats       *analytics.Service
	rollups     Rollups
	recorder    VisitRecorder
	metrics     *metrics.Metrics
	mux         *http.ServeMux
	cfg         config.Config
	rateLimiter *RateLimiter
}

// New wires the HTTP surface. hub and m may be nil.
func New(store Store, hub *sse.Hub, stats *analytics.Service, rollups Rollups, recorder VisitRecorder, m *metrics.Metrics, cfg config.Config) *Server {
	if cfg.DefaultQueryDays < 1 {
		cfg.DefaultQueryDays = 1
	}
	s := &Server{
		store:       store,
		hub:         hub,
		stats:       stats,
		rollups:     rollups,
		recorder:    recorder,
		metrics:     m,
		mux:         http.NewServeMux(),
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMin, time.Minute),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /robots.txt", s.handleRobotsTxt)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/stats/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/stats/timeseries", s.handleTimeSeries)
	s.mux.HandleFunc("GET /api/stats/referers", s.handleReferers)
	s.mux.HandleFunc("GET /api/stats/useragents", s.handleUserAgents)
	s.mux.HandleFunc("GET /api/stats/countries", s.handleCountries)
	s.mux.HandleFunc("GET /api/stats/urls", s.handleURLs)

	s.mux.HandleFunc("POST /api/rollup", s.handleRollup)
	s.mux.HandleFunc("GET /api/rollup/runs", s.handleRollupRuns)
	if s.hub != nil {
		s.mux.HandleFunc("GET /api/events", s.handleEvents)
	}

	s.mux.HandleFunc("POST /api/redirects", s.handleCreateRedirect)
	s.mux.HandleFunc("GET /r/{key}", s.handleRedirect)
}

// Close stops background housekeeping.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	setSecurityHeaders(rec)
	rec.Header().Set("X-Robots-Tag", "noindex, nofollow")

	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" || len(reqID) > maxRequestIDLen {
		reqID = uuid.NewString()
	}
	rec.Header().Set("X-Request-ID", reqID)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))

	if s.rateLimiter.enabled && isAPIPath(r.URL.Path) {
		ip := clientIP(r, s.cfg.TrustProxy)
		if !s.rateLimiter.Allow(ip) {
			slog.Debug("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			s.observe(r, rec.status, start)
			return
		}
	}

	s.mux.ServeHTTP(rec, r)
	s.observe(r, rec.status, start)
}

// observe records the request under its route pattern so that path
// parameters don't blow up label cardinality.
func (s *Server) observe(r *http.Request, status int, start time.Time) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	dbStatus := "connected"
	httpStatus := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		status = "error"
		dbStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":  status,
		"db":      dbStatus,
		"version": version.Version,
	}
	if httpStatus == http.StatusOK {
		if last, err := s.store.LastVisitTime(ctx); err == nil && !last.IsZero() {
			resp["last_visit"] = last
		}
		if runs, err := s.store.RollupRuns(ctx, 1); err == nil && len(runs) > 0 {
			resp["last_rollup"] = runs[0].Date
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, ok := s.parseDays(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.Summary(r.Context(), days)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	days, ok := s.parseDays(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.TimeSeries(r.Context(), days)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleReferers(w http.ResponseWriter, r *http.Request) {
	days, limit, ok := s.parseTopN(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.TopReferers(r.Context(), days, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleUserAgents(w http.ResponseWriter, r *http.Request) {
	days, limit, ok := s.parseTopN(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.TopUserAgents(r.Context(), days, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	days, limit, ok := s.parseTopN(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.TopCountries(r.Context(), days, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleURLs(w http.ResponseWriter, r *http.Request) {
	days, limit, ok := s.parseTopN(w, r)
	if !ok {
		return
	}
	stats, err := s.stats.TopURLs(r.Context(), days, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSONCached(w, r, stats)
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	if s.rollups == nil {
		http.Error(w, "rollups unavailable", http.StatusServiceUnavailable)
		return
	}

	day := s.rollups.Yesterday()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	date := storage.FormatDay(day)

	if !s.rollups.TriggerAsync(day) {
		writeJSONStatus(w, http.StatusConflict, map[string]any{"status": "running", "date": date})
		return
	}
	slog.Info("manual rollup triggered", "date", date)
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"status": "accepted", "date": date})
}

func (s *Server) handleRollupRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parsePositive(w, r, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultRunsLimit
	}
	if limit > analytics.MaxLimit {
		limit = analytics.MaxLimit
	}
	runs, err := s.store.RollupRuns(r.Context(), limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	writeJSON(w, runs)
}

// handleEvents streams rollup events. The most recent completed run is sent
// first so a client has something to show right away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	if runs, err := s.store.RollupRuns(r.Context(), 1); err == nil && len(runs) > 0 {
		if buf, err := json.Marshal(runs[0]); err == nil {
			writeSSE(w, "last_run", buf)
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCreateRedirect(w http.ResponseWriter, r *http.Request) {
	var req validate.Redirect
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	red, err := s.store.CreateRedirect(r.Context(), req.Key, req.URL)
	if errors.Is(err, storage.ErrDuplicate) {
		http.Error(w, "key already exists", http.StatusConflict)
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}
	slog.Info("redirect created", "key", red.Key, "id", red.ID)
	writeJSONStatus(w, http.StatusCreated, red)
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	red, err := s.store.RedirectByKey(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, r, err)
		return
	}

	hit := ingest.Hit{
		RedirectID: red.ID,
		RemoteAddr: clientIP(r, s.cfg.TrustProxy),
		UserAgent:  r.UserAgent(),
		Referer:    r.Referer(),
	}
	if s.cfg.TrustProxy {
		hit.Country = r.Header.Get("CF-IPCountry")
	}
	// The visit outlives a client that hangs up right after the 302.
	if err := s.recorder.Record(context.WithoutCancel(r.Context()), hit); err != nil {
		slog.Warn("failed to record visit", "key", key, "error", err)
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, red.URL, http.StatusFound)
}

func (s *Server) parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	days, ok := parsePositive(w, r, "days")
	if !ok {
		return 0, false
	}
	if days == 0 {
		days = s.cfg.DefaultQueryDays
	}
	return days, true
}

func (s *Server) parseTopN(w http.ResponseWriter, r *http.Request) (days, limit int, ok bool) {
	if days, ok = s.parseDays(w, r); !ok {
		return 0, 0, false
	}
	if limit, ok = parsePositive(w, r, "limit"); !ok {
		return 0, 0, false
	}
	return days, analytics.NormalizeLimit(limit), true
}

// parsePositive reads an optional positive integer query parameter. A missing
// parameter yields 0; anything else that is not a positive integer is a 400.
func parsePositive(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return 0, true
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		http.Error(w, "invalid "+name+", want a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeSSE(w http.ResponseWriter, eventType string, payload []byte) {
	if eventType != "" {
		_, _ = w.Write([]byte("event: "))
		_, _ = w.Write([]byte(eventType))
		_, _ = w.Write([]byte("\n"))
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

// writeJSONCached writes v with a content hash ETag and answers a matching
// If-None-Match with 304.
func writeJSONCached(w http.ResponseWriter, r *http.Request, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		internalError(w, r, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(buf))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(buf, '\n'))
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
