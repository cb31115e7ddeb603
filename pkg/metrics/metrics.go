package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Resolver metrics
	IndexesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_indexes_total",
			Help: "Total number of indexes known to the uuid resolver",
		},
	)

	// Update actor metrics
	UpdateQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_update_queue_depth",
			Help: "Number of updates enqueued but not yet terminal, per index",
		},
		[]string{"index"},
	)

	UpdatesRegisteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_updates_registered_total",
			Help: "Total number of updates registered by kind",
		},
		[]string{"kind"},
	)

	UpdatesTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_updates_terminated_total",
			Help: "Total number of updates reaching a terminal state",
		},
		[]string{"state"},
	)

	PayloadStagingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_payload_staging_duration_seconds",
			Help:    "Time taken to stage an update payload to disk",
			Buckets: prometheus.DefBuckets,
		},
	)

	StagedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weir_staged_bytes_total",
			Help: "Total number of payload bytes written to staged files",
		},
	)

	// Index actor metrics
	UpdateApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_update_apply_duration_seconds",
			Help:    "Time taken for the index actor to apply a staged update",
			Buckets: prometheus.DefBuckets,
		},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_search_duration_seconds",
			Help:    "Time taken to perform a search against an index",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadMailboxInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_read_mailbox_in_flight",
			Help: "Number of read operations currently executing on the index actor",
		},
	)

	IndexesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_indexes_open",
			Help: "Number of search index handles currently open",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IndexesTotal,
		UpdateQueueDepth,
		UpdatesRegisteredTotal,
		UpdatesTerminatedTotal,
		PayloadStagingDuration,
		StagedBytesTotal,
		UpdateApplyDuration,
		SearchDuration,
		ReadMailboxInFlight,
		IndexesOpen,
	)
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
