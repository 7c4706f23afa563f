package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector holds all Prometheus metrics for OpenViking.
type MetricsCollector struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Queue metrics
	QueuePending     *prometheus.GaugeVec
	QueueInFlight    *prometheus.GaugeVec
	QueueProcessed   *prometheus.CounterVec
	QueueErrorsTotal *prometheus.CounterVec
	QueueRetries     *prometheus.CounterVec

	// Embedding metrics
	EmbeddingRequests    *prometheus.CounterVec
	EmbeddingDuration    *prometheus.HistogramVec
	EmbeddingErrorsTotal *prometheus.CounterVec

	// VLM metrics
	VLMRequests    *prometheus.CounterVec
	VLMDuration    *prometheus.HistogramVec
	VLMErrorsTotal *prometheus.CounterVec

	// Vector collection metrics
	CollectionRecords    prometheus.Gauge
	SearchRequests       *prometheus.CounterVec
	SearchDuration       *prometheus.HistogramVec
	SearchResults        prometheus.Histogram
	UpsertRequestsTotal  prometheus.Counter
	UpsertErrorsTotal    prometheus.Counter

	// Filesystem metrics
	FSOperations  *prometheus.CounterVec
	FSOperationNs *prometheus.HistogramVec

	// Resource processing metrics
	ResourcesIngested prometheus.Counter
	ResourceErrors    prometheus.Counter

	// System metrics
	SystemStartTime prometheus.Gauge
}

// NewMetricsCollector creates and registers all Prometheus metrics on
// the default registerer.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates metrics on a specific registry
// (for testing).
func NewMetricsCollectorWithRegistry(namespace string, reg prometheus.Registerer) *MetricsCollector {
	if namespace == "" {
		namespace = "openviking"
	}
	factory := promauto.With(reg)

	return &MetricsCollector{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status code",
		}, []string{"route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),

		QueuePending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Items waiting in each queue",
		}, []string{"queue"}),
		QueueInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Items currently being processed per queue",
		}, []string{"queue"}),
		QueueProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Items processed per queue",
		}, []string{"queue"}),
		QueueErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_errors_total",
			Help:      "Items dropped after exhausting retries per queue",
		}, []string{"queue"}),
		QueueRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retries_total",
			Help:      "Item retry attempts per queue",
		}, []string{"queue"}),

		EmbeddingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_requests_total",
			Help:      "Embedding requests by model and status",
		}, []string{"model", "status"}),
		EmbeddingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"model"}),
		EmbeddingErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_errors_total",
			Help:      "Embedding failures by model",
		}, []string{"model"}),

		VLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vlm_requests_total",
			Help:      "VLM completion requests by model and status",
		}, []string{"model", "status"}),
		VLMDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vlm_duration_seconds",
			Help:      "VLM completion duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		VLMErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vlm_errors_total",
			Help:      "VLM failures by model",
		}, []string{"model"}),

		CollectionRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collection_records",
			Help:      "Records in the vector collection",
		}),
		SearchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Vector searches by entrypoint",
		}, []string{"entrypoint"}),
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Vector search duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"entrypoint"}),
		SearchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Result counts per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		UpsertRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upsert_requests_total",
			Help:      "Record upserts into the collection",
		}),
		UpsertErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upsert_errors_total",
			Help:      "Failed record upserts",
		}),

		FSOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fs_operations_total",
			Help:      "VikingFS operations by op and status",
		}, []string{"op", "status"}),
		FSOperationNs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fs_operation_duration_seconds",
			Help:      "VikingFS operation duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op"}),

		ResourcesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_ingested_total",
			Help:      "Resources successfully finalized into the tree",
		}),
		ResourceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_errors_total",
			Help:      "Resource ingests that failed before finalize",
		}),

		SystemStartTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_start_time_seconds",
			Help:      "Unix time the process started",
		}),
	}
}
