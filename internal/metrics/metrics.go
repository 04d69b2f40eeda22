// Package metrics provides Prometheus metrics for the kumquat daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumquat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumquat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Filesystem core metrics
	ChangeEventsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumquat_fs_change_events_total",
			Help: "Total filesystem change events dispatched",
		},
	)

	RenameEventsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumquat_fs_rename_events_total",
			Help: "Total filesystem rename events dispatched",
		},
	)

	ExternalChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumquat_fs_external_changes_total",
			Help: "Total watcher notifications received from backends",
		},
	)

	WatchedRoots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumquat_fs_watched_roots",
			Help: "Number of actively watched subtree roots",
		},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumquat_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumquat_backend_operations_total",
			Help: "Total backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumquat_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumquat_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// S3 scanner metrics
	s3ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kumquat_s3_scan_duration_seconds",
			Help:    "Time to poll the S3 bucket for changes",
			Buckets: prometheus.DefBuckets,
		},
	)

	s3ScanChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumquat_s3_scan_changes_total",
			Help: "Total changes detected by the S3 poll scanner",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBackendOperation records one backend call.
func RecordBackendOperation(backend, operation string, duration time.Duration, err error) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordS3Scan records one bucket poll.
func RecordS3Scan(duration time.Duration, changes int) {
	s3ScanDuration.Observe(duration.Seconds())
	s3ScanChangesTotal.Add(float64(changes))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
