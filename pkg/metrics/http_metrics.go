package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics for the notifier's API surface
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Current number of in-flight HTTP requests",
	})

	HTTPRequestTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_request_timeouts_total",
		Help: "Total number of HTTP requests that hit the server-side timeout",
	}, []string{"method", "path"})

	WebSocketConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of open WebSocket event connections",
	})
)

// RecordRequestDuration records one completed HTTP request.
func RecordRequestDuration(duration time.Duration, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequestTimeout records one request that exceeded its deadline.
// Duration is recorded separately by the HTTP metrics middleware.
func RecordRequestTimeout(_ time.Duration, _ time.Duration, method, path string) {
	HTTPRequestTimeoutsTotal.WithLabelValues(method, path).Inc()
}
