package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission results
const (
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultTooLarge  = "too_large"
)

// Fetch results
const (
	ResultDelivered = "delivered"
	ResultEmpty     = "empty"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection
type PrometheusMetrics struct {
	// Message metrics
	submissions *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	expired     *prometheus.CounterVec
	frameSize   prometheus.Histogram

	// Queue metrics
	activeQueues   prometheus.Gauge
	queuedMessages prometheus.Gauge
	sweepDuration  prometheus.Histogram

	// Connection metrics
	activeConnections  *prometheus.GaugeVec
	totalConnections   *prometheus.CounterVec
	connectionDuration *prometheus.HistogramVec
	transportErrors    *prometheus.CounterVec

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// System metrics
	goRoutines  prometheus.Gauge
	memoryUsage prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with its own registry
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "empbroker"
	}

	metrics := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	// Initialize metrics
	metrics.initMessageMetrics(namespace)
	metrics.initQueueMetrics(namespace)
	metrics.initConnectionMetrics(namespace)
	metrics.initRequestMetrics(namespace)
	metrics.initSystemMetrics(namespace)

	// Register all metrics
	metrics.registerMetrics()

	return metrics
}

func (m *PrometheusMetrics) initMessageMetrics(namespace string) {
	m.submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of submitted frames by result",
		},
		[]string{"result"},
	)

	m.fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Total number of fetch requests by result",
		},
		[]string{"result"},
	)

	m.expired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_expired_total",
			Help:      "Total number of messages discarded after their TTL",
		},
		[]string{"source"},
	)

	m.frameSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "Inbound submit frame size in bytes (transport encoded)",
			Buckets:   prometheus.ExponentialBuckets(32, 2, 12),
		},
	)
}

func (m *PrometheusMetrics) initQueueMetrics(namespace string) {
	m.activeQueues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queues_active",
			Help:      "Number of destination queues",
		},
	)

	m.queuedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_queued",
			Help:      "Number of messages waiting to be fetched",
		},
	)

	m.sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Expiry sweep duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
}

func (m *PrometheusMetrics) initConnectionMetrics(namespace string) {
	m.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections being handled",
		},
		[]string{"listener"},
	)

	m.totalConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		},
		[]string{"listener"},
	)

	m.connectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Connection handling duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"listener"},
	)

	m.transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of abandoned connections by operation",
		},
		[]string{"listener", "operation"},
	)
}

func (m *PrometheusMetrics) initRequestMetrics(namespace string) {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
}

func (m *PrometheusMetrics) initSystemMetrics(namespace string) {
	m.goRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_total",
			Help:      "Number of active goroutines",
		},
	)

	m.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Heap memory in use in bytes",
		},
	)
}

func (m *PrometheusMetrics) registerMetrics() {
	// Message metrics
	m.registry.MustRegister(m.submissions)
	m.registry.MustRegister(m.fetches)
	m.registry.MustRegister(m.expired)
	m.registry.MustRegister(m.frameSize)

	// Queue metrics
	m.registry.MustRegister(m.activeQueues)
	m.registry.MustRegister(m.queuedMessages)
	m.registry.MustRegister(m.sweepDuration)

	// Connection metrics
	m.registry.MustRegister(m.activeConnections)
	m.registry.MustRegister(m.totalConnections)
	m.registry.MustRegister(m.connectionDuration)
	m.registry.MustRegister(m.transportErrors)

	// Request metrics
	m.registry.MustRegister(m.requestsTotal)
	m.registry.MustRegister(m.requestDuration)

	// System metrics
	m.registry.MustRegister(m.goRoutines)
	m.registry.MustRegister(m.memoryUsage)
}

// Public methods for recording metrics

// RecordSubmission records one submit request
func (m *PrometheusMetrics) RecordSubmission(result string, frameSize int) {
	m.submissions.WithLabelValues(result).Inc()
	m.frameSize.Observe(float64(frameSize))
}

// RecordFetch records one fetch request
func (m *PrometheusMetrics) RecordFetch(result string) {
	m.fetches.WithLabelValues(result).Inc()
}

// RecordExpired records messages discarded by pop ("pop") or by the sweeper ("sweep")
func (m *PrometheusMetrics) RecordExpired(source string, n int) {
	m.expired.WithLabelValues(source).Add(float64(n))
}

// RecordSweep records one sweep pass and the queue sizes it left behind
func (m *PrometheusMetrics) RecordSweep(duration time.Duration, queues, messages int) {
	m.sweepDuration.Observe(duration.Seconds())
	m.activeQueues.Set(float64(queues))
	m.queuedMessages.Set(float64(messages))
}

// RecordConnection records a new connection
func (m *PrometheusMetrics) RecordConnection(listener string) {
	m.totalConnections.WithLabelValues(listener).Inc()
	m.activeConnections.WithLabelValues(listener).Inc()
}

// RecordConnectionClosed records a closed connection
func (m *PrometheusMetrics) RecordConnectionClosed(listener string, duration time.Duration) {
	m.activeConnections.WithLabelValues(listener).Dec()
	m.connectionDuration.WithLabelValues(listener).Observe(duration.Seconds())
}

// RecordTransportError records a connection abandoned on an I/O failure
func (m *PrometheusMetrics) RecordTransportError(listener, operation string) {
	m.transportErrors.WithLabelValues(listener, operation).Inc()
}

// RecordRequest records an HTTP request
func (m *PrometheusMetrics) RecordRequest(method, endpoint string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates system metrics
func (m *PrometheusMetrics) UpdateSystemMetrics(goroutines int, memoryBytes uint64) {
	m.goRoutines.Set(float64(goroutines))
	m.memoryUsage.Set(float64(memoryBytes))
}

// GetRegistry returns the Prometheus registry
func (m *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// GetHTTPHandler returns an HTTP handler for metrics endpoint
func (m *PrometheusMetrics) GetHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsMiddleware returns HTTP middleware for recording request metrics.
// endpoint maps a request to a low-cardinality label, e.g. its route template.
func (m *PrometheusMetrics) MetricsMiddleware(endpoint func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Capture response
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			// Process request
			next.ServeHTTP(rw, r)

			m.RecordRequest(r.Method, endpoint(r), rw.statusCode, time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
