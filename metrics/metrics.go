package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gridcore"
)

const (
	TransferSucceeded = "succeeded"
	TransferFailed    = "failed"
	TransferCancelled = "cancelled"
)

var (
	// TopologyID is the id of the topology each cache last installed
	TopologyID = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_id",
			Help:      "ID of the currently installed topology",
		},
		[]string{"cache"},
	)

	// AvailabilityMode is 1 while a cache is degraded
	AvailabilityMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "Whether the cache is in degraded mode",
		},
		[]string{"cache"},
	)

	ModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Availability mode transitions",
		},
		[]string{"cache", "mode"},
	)

	StaleTopologies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_topologies_total",
			Help:      "Topologies dropped because a newer one was already installed",
		},
		[]string{"cache"},
	)

	SegmentTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_transfers_total",
			Help:      "Segment transfers by result",
		},
		[]string{"cache", "result"},
	)

	TransferredEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_entries_total",
			Help:      "Entries pushed to new owners",
		},
		[]string{"cache"},
	)

	TransferRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_retries_total",
			Help:      "Entry batch sends that were retried",
		},
		[]string{"cache"},
	)

	RehashDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rehash_duration_seconds",
			Help:      "Time from announcing a pending map to committing it",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"cache"},
	)

	MergeResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_resolutions_total",
			Help:      "Keys resolved while merging split partitions",
		},
		[]string{"cache", "policy", "outcome"},
	)

	RejectedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_operations_total",
			Help:      "Reads and writes rejected by the partition handling policy",
		},
		[]string{"cache", "operation"},
	)
)

func RecordMode(cache string, degraded bool) {
	if degraded {
		AvailabilityMode.WithLabelValues(cache).Set(1)
		ModeTransitions.WithLabelValues(cache, "degraded").Inc()

		return
	}

	AvailabilityMode.WithLabelValues(cache).Set(0)
	ModeTransitions.WithLabelValues(cache, "available").Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
