package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the Advancer and Deleter, grounded on the same
// promauto.New*-per-background-job shape the Mimir block cleaner uses
// for its own periodic scan-and-delete loop.
type Metrics struct {
	CheckpointAgeSeconds    prometheus.Gauge
	IndexBoundaryAgeSeconds prometheus.Gauge
	EntriesScanned          prometheus.Counter
	EntriesDeleted          prometheus.Counter
	DeletePassSeconds       prometheus.Histogram
	Inconsistencies         prometheus.Counter
	LoopErrors              *prometheus.CounterVec
}

// NewMetrics registers and returns the retention metric set. reg may be
// nil, in which case a fresh registry is created rather than reusing the
// global default one, so a second call in the same process (a second
// leader, or a test) never panics on a duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		CheckpointAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "retention",
			Name:      "checkpoint_age_seconds",
			Help:      "Age of the confirmed-deleted checkpoint relative to now.",
		}),
		IndexBoundaryAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "retention",
			Name:      "index_boundary_age_seconds",
			Help:      "Age of the current index retention boundary relative to now.",
		}),
		EntriesScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retention",
			Name:      "index_entries_scanned_total",
			Help:      "Total expired index entry candidates discovered.",
		}),
		EntriesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retention",
			Name:      "index_entries_deleted_total",
			Help:      "Total index entries actually deleted.",
		}),
		DeletePassSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "retention",
			Name:      "delete_pass_seconds",
			Help:      "Duration of one delete() pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		Inconsistencies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retention",
			Name:      "inconsistencies_total",
			Help:      "Non-fatal retention data inconsistencies reported.",
		}),
		LoopErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retention",
			Name:      "loop_errors_total",
			Help:      "Errors encountered by the Advancer/Deleter loops, by task.",
		}, []string{"task"}),
	}
}
