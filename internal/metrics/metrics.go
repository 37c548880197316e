// Package metrics defines custom Prometheus metrics for gridstore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage metrics.
var (
	// StorageOperationsTotal counts file-store operations by name and status.
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_storage_operations_total",
			Help: "File storage operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// StorageOperationDuration observes file-store operation latency in seconds.
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridstore_storage_operation_duration_seconds",
			Help:    "File storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ConnectionDialsTotal counts attempts to open a storage connection by outcome.
	ConnectionDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridstore_connection_dials_total",
			Help: "Storage connection attempts by outcome",
		},
		[]string{"engine", "status"},
	)

	// ConnectionProbeFailuresTotal counts cached connections that failed their liveness probe.
	ConnectionProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_connection_probe_failures_total",
			Help: "Cached storage connections discarded after a failed ping",
		},
	)

	// BytesStoredTotal counts total bytes accepted by uploads.
	BytesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_bytes_stored_total",
			Help: "Total bytes written by uploads",
		},
	)

	// BytesServedTotal counts total bytes read back from storage.
	BytesServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gridstore_bytes_served_total",
			Help: "Total bytes read from storage",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			StorageOperationsTotal,
			StorageOperationDuration,
			ConnectionDialsTotal,
			ConnectionProbeFailuresTotal,
			BytesStoredTotal,
			BytesServedTotal,
		)
		// Initialize StorageOperationsTotal so it appears in /metrics output
		// even before any operation has been performed.
		StorageOperationsTotal.WithLabelValues("upload", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual file ids.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/upload":
		return "/upload"
	case "/metrics":
		return "/metrics"
	case "/docs", "/docs/":
		return "/docs"
	case "/openapi.json", "/openapi.yaml", "/openapi":
		return "/openapi"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/diagnostics/") {
		return strings.TrimSuffix(path, "/")
	}
	if strings.HasPrefix(path, "/files/") {
		if strings.Trim(path[len("/files/"):], "/") == "" {
			return "/files"
		}
		return "/files/{id}"
	}
	return "/other"
}
