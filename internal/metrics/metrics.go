package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// RetryAttempts counts scheduler retry attempts by result (initiated, failed, skipped, error).
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_retry_attempts_total",
			Help: "Payment retry attempts by result.",
		},
		[]string{"result"},
	)

	// PaymentTransitions counts committed payment status transitions by target status.
	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Committed payment status transitions.",
		},
		[]string{"status"},
	)

	// RealtimeConnections is the number of open realtime connections on this instance.
	RealtimeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open realtime connections.",
	})

	// RealtimeEvents counts inbound realtime events by event name.
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Inbound realtime events.",
		},
		[]string{"event"},
	)
)

// Init registers all collectors with the default registry. Call once per process.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		RetryAttempts, PaymentTransitions, RealtimeConnections, RealtimeEvents,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight requests per matched route.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpInFlight.Dec()
	}
}
