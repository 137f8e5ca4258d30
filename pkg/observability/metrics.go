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

	// Permission engine metrics
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionCheckLatency *prometheus.HistogramVec

	// Scope cache metrics
	ScopeCacheHitsTotal   prometheus.Counter
	ScopeCacheMissesTotal prometheus.Counter
	ScopeCacheErrorsTotal prometheus.Counter

	// Audit metrics
	AuditEventsTotal       *prometheus.CounterVec
	AuditWriteFailuresTotal prometheus.Counter
	AuditCleanupDeleted    prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdesk_permission_checks_total",
				Help: "Total number of permission decisions by outcome code",
			},
			[]string{"resource", "action", "outcome"},
		),
		PermissionCheckLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsdesk_permission_check_duration_seconds",
				Help:    "Permission decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"resource", "action"},
		),
		ScopeCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdesk_scope_cache_hits_total",
			Help: "Total number of access-scope cache hits",
		}),
		ScopeCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdesk_scope_cache_misses_total",
			Help: "Total number of access-scope cache misses",
		}),
		ScopeCacheErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdesk_scope_cache_errors_total",
			Help: "Total number of access-scope cache errors (fell back to direct lookup)",
		}),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsdesk_audit_events_total",
				Help: "Total number of audit events written",
			},
			[]string{"event_type", "status"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdesk_audit_write_failures_total",
			Help: "Total number of swallowed audit write failures",
		}),
		AuditCleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsdesk_audit_cleanup_deleted_total",
			Help: "Total number of audit entries removed by retention cleanup",
		}),
		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdesk_db_connections_active",
			Help: "Number of active database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsdesk_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCheckLatency,
		m.ScopeCacheHitsTotal,
		m.ScopeCacheMissesTotal,
		m.ScopeCacheErrorsTotal,
		m.AuditEventsTotal,
		m.AuditWriteFailuresTotal,
		m.AuditCleanupDeleted,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDBStats publishes the connection pool gauges from db.Stats().
func (m *Metrics) SetDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// ObservePermissionCheck records a permission decision
func (m *Metrics) ObservePermissionCheck(resource, action, outcome string, duration time.Duration) {
	m.PermissionChecksTotal.WithLabelValues(resource, action, outcome).Inc()
	m.PermissionCheckLatency.WithLabelValues(resource, action).Observe(duration.Seconds())
}

// statusRecorder captures the response status for HTTP metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware instruments a handler with request count and latency metrics.
// The path label uses the route template, not the raw URL, to bound cardinality.
func (m *Metrics) HTTPMiddleware(routeTemplate func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if routeTemplate != nil {
				if tmpl := routeTemplate(r); tmpl != "" {
					path = tmpl
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
