package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linkstat"

// Query sources reported in the source label of QueriesTotal.
const (
	SourceSummary = "summary"
	SourceRaw     = "raw"
)

// Metrics holds all Prometheus metrics for linkstat.
//
// All Record* and Set* methods are safe to call on a nil *Metrics, so
// components can run without instrumentation in tests.
type Metrics struct {
	// HTTP server metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Rollup metrics
	RollupRunsTotal       prometheus.Counter
	RollupFailuresTotal   prometheus.Counter
	RollupSkippedTotal    prometheus.Counter
	RollupDuration        prometheus.Histogram
	RollupGroupsTotal     prometheus.Counter
	RollupEventsTotal     prometheus.Counter
	LastRollupSuccessTime prometheus.Gauge

	// Query layer metrics
	QueriesTotal *prometheus.CounterVec

	// Visit recording metrics
	VisitsRecordedTotal prometheus.Counter
	VisitErrorsTotal    prometheus.Counter

	// Event stream metrics
	EventsDroppedTotal prometheus.Counter

	// Database metrics
	DBSizeBytes      prometheus.GaugeFunc
	DBVisitsTotal    prometheus.GaugeFunc
	DBSummariesTotal prometheus.GaugeFunc
	DBRedirectsTotal prometheus.GaugeFunc
	DBRollupRuns     prometheus.GaugeFunc

	// GeoIP cache metrics
	GeoCacheSize    prometheus.GaugeFunc
	GeoCacheHits    prometheus.GaugeFunc
	GeoCacheMisses  prometheus.GaugeFunc
	GeoCacheHitRate prometheus.GaugeFunc
}

// GeoCacheStats mirrors the GeoIP cache counters exported as gauges.
type GeoCacheStats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// DBStats represents database statistics returned by the stats provider function.
type DBStats struct {
	VisitsCount     int64
	SummariesCount  int64
	RedirectsCount  int64
	RollupRunsCount int64
}

// cachedDBStats caches the result of dbStatsFunc for all gauge funcs in a single scrape.
// GaugeFuncs are called individually, so results are reused for 1 second.
type cachedDBStats struct {
	mu          sync.RWMutex
	getStats    func() DBStats
	cachedStats DBStats
	cachedAt    int64 // Unix nanoseconds
}

func newCachedDBStats(getStats func() DBStats) *cachedDBStats {
	return &cachedDBStats{getStats: getStats}
}

func (c *cachedDBStats) get() DBStats {
	now := time.Now().UnixNano()

	c.mu.RLock()
	if c.cachedAt != 0 && now-c.cachedAt <= int64(time.Second) {
		stats := c.cachedStats
		c.mu.RUnlock()
		return stats
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedAt == 0 || now-c.cachedAt > int64(time.Second) {
		c.cachedStats = c.getStats()
		c.cachedAt = now
	}
	return c.cachedStats
}

// New creates all Prometheus metrics. Call Register to expose them.
// The dbStatsFunc is called to retrieve database statistics (cached for 1 second).
// geoStatsFunc may be nil when GeoIP is disabled.
func New(dbSizeFunc func() int64, dbStatsFunc func() DBStats, geoStatsFunc func() *GeoCacheStats) *Metrics {
	cache := newCachedDBStats(dbStatsFunc)
	geo := func() GeoCacheStats {
		if geoStatsFunc == nil {
			return GeoCacheStats{}
		}
		if st := geoStatsFunc(); st != nil {
			return *st
		}
		return GeoCacheStats{}
	}

	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RollupRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "runs_total",
				Help:      "Total number of completed daily rollups",
			},
		),
		RollupFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "failures_total",
				Help:      "Total number of daily rollups that returned an error",
			},
		),
		RollupSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "skipped_total",
				Help:      "Total number of rollup triggers skipped because a run was in progress",
			},
		),
		RollupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "duration_seconds",
				Help:      "Duration of a daily rollup in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),
		RollupGroupsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "groups_total",
				Help:      "Total number of summary groups written",
			},
		),
		RollupEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "events_total",
				Help:      "Total number of raw visits aggregated",
			},
		),
		LastRollupSuccessTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rollup",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix timestamp of the last successful rollup",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "total",
				Help:      "Total number of analytics queries by shape and answering source",
			},
			[]string{"shape", "source"},
		),
		VisitsRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "visits",
				Name:      "recorded_total",
				Help:      "Total number of visits appended to the raw log",
			},
		),
		VisitErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "visits",
				Name:      "errors_total",
				Help:      "Total number of visits that failed to record",
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total number of rollup events not delivered to a slow stream client",
			},
		),
		DBSizeBytes: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "size_bytes",
				Help:      "Size of the SQLite database in bytes",
			},
			func() float64 {
				return float64(dbSizeFunc())
			},
		),
		DBVisitsTotal: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "visits_total",
				Help:      "Total number of rows in the visits table",
			},
			func() float64 {
				return float64(cache.get().VisitsCount)
			},
		),
		DBSummariesTotal: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "daily_summaries_total",
				Help:      "Total number of rows in the daily summaries table",
			},
			func() float64 {
				return float64(cache.get().SummariesCount)
			},
		),
		DBRedirectsTotal: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "redirects_total",
				Help:      "Total number of redirect mappings",
			},
			func() float64 {
				return float64(cache.get().RedirectsCount)
			},
		),
		DBRollupRuns: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "rollup_runs_total",
				Help:      "Total number of days with a recorded rollup",
			},
			func() float64 {
				return float64(cache.get().RollupRunsCount)
			},
		),
		GeoCacheSize: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "geo_cache",
				Name:      "size",
				Help:      "Current number of entries in the GeoIP cache",
			},
			func() float64 {
				return float64(geo().Size)
			},
		),
		GeoCacheHits: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "geo_cache",
				Name:      "hits_total",
				Help:      "Total GeoIP cache hits",
			},
			func() float64 {
				return float64(geo().Hits)
			},
		),
		GeoCacheMisses: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "geo_cache",
				Name:      "misses_total",
				Help:      "Total GeoIP cache misses",
			},
			func() float64 {
				return float64(geo().Misses)
			},
		),
		GeoCacheHitRate: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "geo_cache",
				Name:      "hit_rate",
				Help:      "GeoIP cache hit rate between 0 and 1",
			},
			func() float64 {
				return geo().HitRate
			},
		),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RollupRunsTotal,
		m.RollupFailuresTotal,
		m.RollupSkippedTotal,
		m.RollupDuration,
		m.RollupGroupsTotal,
		m.RollupEventsTotal,
		m.LastRollupSuccessTime,
		m.QueriesTotal,
		m.VisitsRecordedTotal,
		m.VisitErrorsTotal,
		m.EventsDroppedTotal,
		m.DBSizeBytes,
		m.DBVisitsTotal,
		m.DBSummariesTotal,
		m.DBRedirectsTotal,
		m.DBRollupRuns,
		m.GeoCacheSize,
		m.GeoCacheHits,
		m.GeoCacheMisses,
		m.GeoCacheHitRate,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordRollup records a successful rollup of one day.
func (m *Metrics) RecordRollup(durationSec float64, groups, events int) {
	if m == nil {
		return
	}
	m.RollupRunsTotal.Inc()
	m.RollupDuration.Observe(durationSec)
	m.RollupGroupsTotal.Add(float64(groups))
	m.RollupEventsTotal.Add(float64(events))
	m.LastRollupSuccessTime.Set(float64(time.Now().Unix()))
}

// RecordRollupFailure records a rollup that returned an error.
func (m *Metrics) RecordRollupFailure(durationSec float64) {
	if m == nil {
		return
	}
	m.RollupFailuresTotal.Inc()
	m.RollupDuration.Observe(durationSec)
}

// RecordRollupSkipped records a trigger dropped by the in-progress guard.
func (m *Metrics) RecordRollupSkipped() {
	if m == nil {
		return
	}
	m.RollupSkippedTotal.Inc()
}

// RecordQuery records which store answered an analytics query shape.
func (m *Metrics) RecordQuery(shape, source string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(shape, source).Inc()
}

// RecordVisit records a visit write attempt.
func (m *Metrics) RecordVisit(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.VisitErrorsTotal.Inc()
		return
	}
	m.VisitsRecordedTotal.Inc()
}

// RecordEventDropped records an event a stream subscriber missed.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}
