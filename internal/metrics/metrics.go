// Package metrics provides Prometheus instrumentation for the Opsdeck decision engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opsdeck",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RuleRunsTotal counts rule evaluation runs by outcome.
	RuleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "rule_runs_total",
			Help:      "Total rule evaluation runs by outcome.",
		},
		[]string{"outcome"},
	)

	// CandidatesUpserted counts upserted rule candidates by kind and result.
	CandidatesUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "candidates_upserted_total",
			Help:      "Total rule candidates upserted by kind (flag/action) and result (created/updated/noop).",
		},
		[]string{"kind", "result"},
	)

	// ExecutionsTotal counts action executions by action key and status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "executions_total",
			Help:      "Total action executions by action key and terminal status.",
		},
		[]string{"action_key", "status"},
	)

	// PreviewsTotal counts preview-mode invocations by action key.
	PreviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "previews_total",
			Help:      "Total preview-mode action invocations by action key.",
		},
		[]string{"action_key"},
	)

	// NotificationsTotal counts cooldown gate decisions.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "notifications_total",
			Help:      "Total notification gate decisions (sent/suppressed/error).",
		},
		[]string{"result"},
	)

	// AttributionsRecorded counts attribution records by source type.
	AttributionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "attributions_recorded_total",
			Help:      "Total operator attributions recorded by source type.",
		},
		[]string{"source_type"},
	)

	// AttributionFailures counts swallowed attribution-recording failures.
	AttributionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opsdeck",
			Name:      "attribution_failures_total",
			Help:      "Total attribution recording failures (best-effort, swallowed).",
		},
	)

	// OpenFlags tracks currently open risk flags.
	OpenFlags = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opsdeck",
			Name:      "open_risk_flags",
			Help:      "Number of currently open risk flags.",
		},
	)

	// QueuedActions tracks currently queued next-best-actions.
	QueuedActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opsdeck",
			Name:      "queued_next_actions",
			Help:      "Number of currently queued next-best-actions.",
		},
	)

	// RuleRunDuration observes full rule-run latency.
	RuleRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opsdeck",
			Name:      "rule_run_duration_seconds",
			Help:      "Duration of a full rule evaluation + upsert pass.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opsdeck", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opsdeck", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opsdeck", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opsdeck", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RuleRunsTotal,
		CandidatesUpserted,
		ExecutionsTotal,
		PreviewsTotal,
		NotificationsTotal,
		AttributionsRecorded,
		AttributionFailures,
		OpenFlags,
		QueuedActions,
		RuleRunDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
