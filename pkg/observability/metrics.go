package observability

import (
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

	// Subscription metrics
	TierTransitionsTotal *prometheus.CounterVec
	QuotaDenialsTotal    *prometheus.CounterVec
	UsageIncrementsTotal *prometheus.CounterVec

	// Analytics pipeline metrics
	EventsDispatchedTotal        *prometheus.CounterVec
	EventValidationFailuresTotal *prometheus.CounterVec
	SchemaMigrationsTotal        *prometheus.CounterVec

	// Cache metrics
	UsageCacheHitsTotal   prometheus.Counter
	UsageCacheMissesTotal prometheus.Counter

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
				Name: "veritas_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veritas_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		TierTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_tier_transitions_total",
				Help: "Total number of subscription tier transitions",
			},
			[]string{"event_type", "new_tier"},
		),
		QuotaDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_quota_denials_total",
				Help: "Total number of requests denied by feature limits",
			},
			[]string{"feature", "tier"},
		),
		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_usage_increments_total",
				Help: "Total number of feature usage increments",
			},
			[]string{"feature"},
		),
		EventsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_analytics_events_dispatched_total",
				Help: "Total number of analytics events dispatched",
			},
			[]string{"event", "status"},
		),
		EventValidationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_analytics_validation_failures_total",
				Help: "Total number of analytics events rejected by schema validation",
			},
			[]string{"event"},
		),
		SchemaMigrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veritas_schema_migrations_total",
				Help: "Total number of event schema migrations applied",
			},
			[]string{"schema", "status"},
		),
		UsageCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "veritas_usage_cache_hits_total",
				Help: "Total number of usage counter cache hits",
			},
		),
		UsageCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "veritas_usage_cache_misses_total",
				Help: "Total number of usage counter cache misses",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TierTransitionsTotal,
		m.QuotaDenialsTotal,
		m.UsageIncrementsTotal,
		m.EventsDispatchedTotal,
		m.EventValidationFailuresTotal,
		m.SchemaMigrationsTotal,
		m.UsageCacheHitsTotal,
		m.UsageCacheMissesTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
