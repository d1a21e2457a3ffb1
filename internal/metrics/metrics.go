// Package metrics provides Prometheus metrics for the chat event service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamchat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// HTTPResponseSize measures HTTP response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamchat",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBConnectionsMaxOpen tracks maximum open database connections
	DBConnectionsMaxOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "connections_max_open",
			Help:      "Maximum number of open database connections",
		},
	)

	// DBReadConnectionsOpen tracks open connections of the snapshot read pool
	DBReadConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "read_connections_open",
			Help:      "Number of open connections in the snapshot read pool",
		},
	)

	// DBReadConnectionsInUse tracks in-use connections of the snapshot read pool
	DBReadConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "read_connections_in_use",
			Help:      "Number of snapshot read pool connections currently in use",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamchat",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// EventQueuesActive tracks registered event queues
	EventQueuesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "queues_active",
			Help:      "Number of registered event queues",
		},
	)

	// EventQueuesRegistered counts queue registrations
	EventQueuesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "queues_registered_total",
			Help:      "Total number of event queues registered",
		},
	)

	// EventQueuesRemoved counts queue removals by reason (deregistered, expired, evicted, aborted)
	EventQueuesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "queues_removed_total",
			Help:      "Total number of event queues removed by reason",
		},
		[]string{"reason"},
	)

	// EventsPublished counts events handed to the dispatcher
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events published by type",
		},
		[]string{"event_type"},
	)

	// EventsDelivered counts per-queue appends
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Total number of events appended to queues by type",
		},
		[]string{"event_type"},
	)

	// EventPolls counts long-poll requests by outcome
	EventPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "polls_total",
			Help:      "Total number of event polls by outcome",
		},
		[]string{"outcome"},
	)

	// EventPollWait measures how long a poll stayed parked
	EventPollWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "teamchat",
			Subsystem: "events",
			Name:      "poll_wait_seconds",
			Help:      "Time a long-poll request waited for events",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 15, 30, 60, 90, 120},
		},
	)
)

var (
	// StateMutations counts committed state changes by action and result
	StateMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamchat",
			Subsystem: "state",
			Name:      "mutations_total",
			Help:      "Total number of state mutations by action and result",
		},
		[]string{"action", "result"},
	)
)

var (
	// SSEConnectionsActive tracks active SSE connections
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teamchat",
			Subsystem: "sse",
			Name:      "connections_active",
			Help:      "Number of active SSE connections",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// newResponseWriter creates a new responseWriter
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns a chi middleware that records HTTP metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Track in-flight requests
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		// Wrap response writer to capture status and size
		rw := newResponseWriter(w)

		// Process request
		next.ServeHTTP(rw, r)

		// Calculate duration
		duration := time.Since(start).Seconds()

		// Get route pattern for consistent labeling
		path := getRoutePattern(r)

		// Record metrics
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
