package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionMetrics tracks session lifecycle and event-log activity.
//
// All metrics follow the taxonomy:
// coordcore_session_<subsystem>_<metric_name>_<unit>
type SessionMetrics struct {
	namespace string

	SessionsCreatedTotal  *prometheus.CounterVec
	SessionsEndedTotal    *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	AgentsJoinedTotal      *prometheus.CounterVec
	AgentsLeftTotal        *prometheus.CounterVec
	EventsAppendedTotal    *prometheus.CounterVec
	EventAppendDuration    prometheus.Histogram
	CheckpointsCreatedTotal *prometheus.CounterVec
	CheckpointDuration      prometheus.Histogram
	SequenceRecoveriesTotal prometheus.Counter
}

func newSessionMetrics(namespace string) *SessionMetrics {
	return &SessionMetrics{
		namespace: namespace,

		SessionsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_lifecycle",
				Name:      "created_total",
				Help:      "Total number of sessions created",
			},
			[]string{"owner"},
		),

		SessionsEndedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_lifecycle",
				Name:      "ended_total",
				Help:      "Total number of sessions ended, by reason",
			},
			[]string{"reason"}, // expired|completed|aborted
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session_lifecycle",
				Name:      "active",
				Help:      "Current number of active sessions",
			},
		),

		AgentsJoinedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_membership",
				Name:      "agents_joined_total",
				Help:      "Total number of agent join events",
			},
			[]string{"state"},
		),

		AgentsLeftTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_membership",
				Name:      "agents_left_total",
				Help:      "Total number of agent leave events",
			},
			[]string{"state"},
		),

		EventsAppendedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_eventlog",
				Name:      "appended_total",
				Help:      "Total number of events appended to a session log",
			},
			[]string{"event_type"},
		),

		EventAppendDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session_eventlog",
				Name:      "append_duration_seconds",
				Help:      "Duration of event-log append operations",
				Buckets:   prometheus.DefBuckets,
			},
		),

		CheckpointsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_checkpoint",
				Name:      "created_total",
				Help:      "Total number of checkpoints created, by outcome",
			},
			[]string{"outcome"}, // working|broken
		),

		CheckpointDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session_checkpoint",
				Name:      "duration_seconds",
				Help:      "Duration of checkpoint aggregation and anchoring",
				Buckets:   prometheus.DefBuckets,
			},
		),

		SequenceRecoveriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session_eventlog",
				Name:      "sequence_recoveries_total",
				Help:      "Total number of times a session's sequence counter was recovered from ZCARD after restart",
			},
		),
	}
}
