// Package telemetry provides application-level observability for the content service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<CS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Storage operation counters and latency, by provider, operation and outcome category
//   - Temporary URL cache hits, misses, issued signatures and provider overrides
//   - Storage factory builds and fail-open fallbacks
//   - Storage backend health gauge, probe counters and probe latency
//
// # Label Cardinality
//
// Storage metrics are labelled by provider, operation and error category, all
// drawn from closed sets. Object keys are never used as label values.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Storage operation metrics.
//
// StorageOperationsTotal is a CounterVec with labels {provider, operation, result}.
// result is "ok" or the taxonomy category of the failure (file_not_found,
// connection_error, ...), so an outage shows up as a spike of connection_error.
//
// Example PromQL queries:
//   - Failure rate by category:  sum by (result) (rate(storage_operations_total{result!="ok"}[5m]))
var (
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations, by provider, operation, and result category.",
		},
		[]string{"provider", "operation", "result"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Latency of storage operations, by provider and operation.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)
)

// Temporary URL metrics.
//
// TempURLCacheRequestsTotal has label {result} = hit | miss | shared_hit, where
// shared_hit is a miss in the process cache answered by the Redis tier.
//
// TempURLProviderOverridesTotal counts requests that asked for a provider other
// than the configured one. Those requests are still served by the configured
// provider.
var (
	TempURLCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_url_cache_requests_total",
			Help: "Temporary URL cache lookups, by result.",
		},
		[]string{"result"},
	)

	TempURLIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_url_issued_total",
			Help: "Temporary URLs signed by a provider, by provider.",
		},
		[]string{"provider"},
	)

	TempURLProviderOverridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_url_provider_overrides_total",
			Help: "Temporary URL requests naming a provider other than the configured one, by requested provider.",
		},
		[]string{"requested"},
	)

	TempURLCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "temp_url_cache_entries",
			Help: "Current number of entries in the in-process temporary URL cache.",
		},
	)
)

// Factory metrics.
//
// StorageFactoryFallbacksTotal counts fail-open degradations to the default
// MinIO configuration. Any increase means the configured backend is not in use.
//
// Example PromQL queries:
//   - Alert expression:  increase(storage_factory_fallbacks_total[15m]) > 0
var (
	StorageFactoryBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_factory_builds_total",
			Help: "Storage backend instances built by the factory, by provider.",
		},
		[]string{"provider"},
	)

	StorageFactoryFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_factory_fallbacks_total",
			Help: "Times the storage factory degraded to the default backend after an unclassified build failure.",
		},
	)
)

// Health metrics, recorded by the storage health service.
//
// StorageBackendHealthy is 1 when the last probe of the provider succeeded.
//
// Example PromQL queries:
//   - Alert expression:  storage_backend_healthy == 0
var (
	StorageBackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storage_backend_healthy",
			Help: "1 if the last health probe of the storage backend succeeded, 0 otherwise.",
		},
		[]string{"provider"},
	)

	StorageHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_health_checks_total",
			Help: "Storage health probes, by provider and result (healthy or unhealthy).",
		},
		[]string{"provider", "result"},
	)

	StorageHealthCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storage_health_check_duration_seconds",
			Help:    "Duration of a single storage health probe.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveStorageOp records one storage call started at start
func ObserveStorageOp(provider, operation, result string, start time.Time) {
	StorageOperationsTotal.WithLabelValues(provider, operation, result).Inc()
	StorageOperationDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}
