package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RollbackMetrics tracks rollback-point capture, diff generation, and
// rollback execution.
//
// All metrics follow the taxonomy:
// coordcore_rollback_<subsystem>_<metric_name>_<unit>
type RollbackMetrics struct {
	namespace string

	PointsCreatedTotal     prometheus.Counter
	DiffsGeneratedTotal    prometheus.Counter
	DiffEntriesTotal       *prometheus.HistogramVec
	RollbacksExecutedTotal *prometheus.CounterVec
	RollbackDuration       *prometheus.HistogramVec
	ConflictsTotal         *prometheus.CounterVec
	ConflictsAutoMergedTotal prometheus.Counter
	SnapshotStoreBytes     prometheus.Gauge
}

func newRollbackMetrics(namespace string) *RollbackMetrics {
	return &RollbackMetrics{
		namespace: namespace,

		PointsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollback_points",
				Name:      "created_total",
				Help:      "Total number of rollback points created",
			},
		),

		DiffsGeneratedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollback_diff",
				Name:      "generated_total",
				Help:      "Total number of diffs generated against a rollback point",
			},
		),

		DiffEntriesTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rollback_diff",
				Name:      "entries",
				Help:      "Number of entries in a generated diff, by complexity band",
				Buckets:   []float64{1, 5, 10, 20, 50, 100, 250, 500},
			},
			[]string{"complexity"},
		),

		RollbacksExecutedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollback_execution",
				Name:      "executed_total",
				Help:      "Total number of rollback operations executed, by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		RollbackDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rollback_execution",
				Name:      "duration_seconds",
				Help:      "Duration of a rollback operation end to end",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),

		ConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollback_conflict",
				Name:      "total",
				Help:      "Total number of conflicts encountered, by resolution policy",
			},
			[]string{"resolution"},
		),

		ConflictsAutoMergedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rollback_conflict",
				Name:      "auto_merged_total",
				Help:      "Total number of conflicts resolved automatically via merge",
			},
		),

		SnapshotStoreBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rollback_snapshot",
				Name:      "store_bytes",
				Help:      "Total bytes held by the in-memory snapshot store",
			},
		),
	}
}
