package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Decision metrics
	DecisionsTotal  *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	ResolveErrors   *prometheus.CounterVec

	// Mutation metrics
	MutationsTotal *prometheus.CounterVec

	// Decision cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Sweeper metrics
	SweeperExpirationsTotal *prometheus.CounterVec
	SweeperRunsTotal        *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_decisions_total",
				Help: "Total number of permission decisions",
			},
			[]string{"outcome", "reason"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_resolve_duration_seconds",
				Help:    "Permission resolution duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		ResolveErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_resolve_errors_total",
				Help: "Total number of resolutions that failed with a store error",
			},
			[]string{"kind"},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_mutations_total",
				Help: "Total number of RBAC mutations",
			},
			[]string{"operation", "outcome"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_evictions_total",
				Help: "Total number of decision cache evictions",
			},
			[]string{"cache_type", "reason"},
		),

		SweeperExpirationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sweeper_expirations_total",
				Help: "Total number of records rewritten by the expiry sweeper",
			},
			[]string{"entity"},
		),
		SweeperRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sweeper_runs_total",
				Help: "Total number of sweeper runs",
			},
			[]string{"status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.ResolveDuration,
		m.ResolveErrors,
		m.MutationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.SweeperExpirationsTotal,
		m.SweeperRunsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordDecision counts one decision and its latency. Nil-safe.
func (m *Metrics) RecordDecision(allowed bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.DecisionsTotal.WithLabelValues(outcome, reason).Inc()
	m.ResolveDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordResolveError counts a resolution that returned an error. Nil-safe.
func (m *Metrics) RecordResolveError(kind string) {
	if m == nil {
		return
	}
	m.ResolveErrors.WithLabelValues(kind).Inc()
}

// RecordMutation counts one mutation attempt. Nil-safe.
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.MutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordCacheLookup counts a hit or a miss. Nil-safe.
func (m *Metrics) RecordCacheLookup(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheEviction counts an eviction. Nil-safe.
func (m *Metrics) RecordCacheEviction(cacheType, reason string) {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(cacheType, reason).Inc()
}

// RecordSweep counts a sweeper run and its rewrites per entity. Nil-safe.
func (m *Metrics) RecordSweep(expired map[string]int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.SweeperRunsTotal.WithLabelValues(status).Inc()
	for entity, n := range expired {
		m.SweeperExpirationsTotal.WithLabelValues(entity).Add(float64(n))
	}
}

// UpdateDBStats copies connection pool statistics into the gauges. Nil-safe.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RouteNamer maps a request to a low cardinality path label.
type RouteNamer func(r *http.Request) string

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// A nil namer labels requests by raw URL path.
func HTTPMetricsMiddleware(metrics *Metrics, namer RouteNamer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if namer != nil {
				path = namer(r)
			}
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
