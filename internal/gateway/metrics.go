package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	dependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Status of dependencies (1 = up, 0 = down)",
		},
		[]string{"service"},
	)

	webhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of inbound provider webhook deliveries",
		},
		[]string{"source", "status"},
	)

	issuesOpenGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "issues_open",
			Help: "Number of currently open issues per org",
		},
		[]string{"org_id"},
	)

	alertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_dispatched_total",
			Help: "Total number of alert channel delivery attempts",
		},
		[]string{"channel", "status"},
	)
)

// metricsMiddleware returns a middleware that records HTTP metrics.
func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeConnections.Inc()
		defer activeConnections.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())

		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, routePath, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePath, status).Observe(duration)
	})
}

// registerMetrics mounts the /metrics scrape endpoint.
func (g *Gateway) registerMetrics() {
	g.router.Handle("/metrics", promhttp.Handler())
}

// RecordWebhookReceived increments the inbound webhook counter; ingest
// calls this so delivery volume is visible without importing gateway
// internals into the receiver's hot path.
func RecordWebhookReceived(source, status string) {
	webhooksReceivedTotal.WithLabelValues(source, status).Inc()
}

// RecordAlertDispatch increments the outbound alert delivery counter.
func RecordAlertDispatch(channel, status string) {
	alertsDispatchedTotal.WithLabelValues(channel, status).Inc()
}

// SetOpenIssueCount reports the current open-issue count for an org,
// refreshed periodically by the scheduler.
func SetOpenIssueCount(orgID string, count int) {
	issuesOpenGauge.WithLabelValues(orgID).Set(float64(count))
}
