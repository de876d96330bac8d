package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Import reconciler metrics
	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeymesh_import_rows_total",
			Help: "Total number of CSV rows seen by the import reconciler",
		},
		[]string{"outcome"}, // converted, skipped
	)

	ImportBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeymesh_import_batches_total",
			Help: "Total number of import batches reconciled",
		},
		[]string{"status"}, // ok, error
	)

	ImportBatchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "journeymesh_import_batches_in_flight",
			Help: "Number of import batches currently reconciling",
		},
	)

	ImportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journeymesh_import_batch_duration_seconds",
			Help:    "Duration of a single batch reconciliation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event pre-processor metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeymesh_events_total",
			Help: "Total number of inbound jobs handled by the pre-processor",
		},
		[]string{"provider", "status"},
	)

	FanoutJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journeymesh_fanout_jobs_total",
			Help: "Total number of per-journey jobs enqueued downstream",
		},
	)

	// Enrollment metrics
	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeymesh_enrollments_total",
			Help: "Total number of enrollment jobs processed",
		},
		[]string{"status"},
	)

	EnrollmentAudienceSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "journeymesh_enrollment_audience_size",
			Help:    "Raw audience size computed per enrollment",
			Buckets: prometheus.ExponentialBuckets(1, 10, 8),
		},
	)

	// Journey cache metrics
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeymesh_journey_cache_lookups_total",
			Help: "Journey cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)
)
