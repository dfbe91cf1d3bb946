package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentMetrics tracks agent registration, task scheduling, and
// liveness detection.
//
// All metrics follow the taxonomy:
// coordcore_agent_<subsystem>_<metric_name>_<unit>
type AgentMetrics struct {
	namespace string

	AgentsRegisteredTotal  *prometheus.CounterVec
	AgentsActive           prometheus.Gauge
	DeadAgentsDetectedTotal prometheus.Counter
	TasksSubmittedTotal    *prometheus.CounterVec
	TasksCompletedTotal    *prometheus.CounterVec
	TasksFailedTotal       *prometheus.CounterVec
	TasksReassignedTotal   prometheus.Counter
	TaskDurationSeconds    *prometheus.HistogramVec
	SchedulingStrategyUsedTotal *prometheus.CounterVec
	HandoffsTotal          *prometheus.CounterVec
}

func newAgentMetrics(namespace string) *AgentMetrics {
	return &AgentMetrics{
		namespace: namespace,

		AgentsRegisteredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_registry",
				Name:      "registered_total",
				Help:      "Total number of agents registered, by type",
			},
			[]string{"agent_type"},
		),

		AgentsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent_registry",
				Name:      "active",
				Help:      "Current number of active or busy agents",
			},
		),

		DeadAgentsDetectedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_liveness",
				Name:      "dead_detected_total",
				Help:      "Total number of agents marked dead by the liveness sweep",
			},
		),

		TasksSubmittedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_tasks",
				Name:      "submitted_total",
				Help:      "Total number of tasks submitted",
			},
			[]string{"task_type"},
		),

		TasksCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_tasks",
				Name:      "completed_total",
				Help:      "Total number of tasks completed",
			},
			[]string{"task_type"},
		),

		TasksFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_tasks",
				Name:      "failed_total",
				Help:      "Total number of task failures, by whether they were requeued",
			},
			[]string{"requeued"},
		),

		TasksReassignedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_tasks",
				Name:      "reassigned_total",
				Help:      "Total number of tasks reassigned away from a dead agent",
			},
		),

		TaskDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent_tasks",
				Name:      "duration_seconds",
				Help:      "Task execution duration as reported to CompleteTask",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type"},
		),

		SchedulingStrategyUsedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_scheduling",
				Name:      "strategy_used_total",
				Help:      "Total number of scheduling decisions, by strategy",
			},
			[]string{"strategy"},
		),

		HandoffsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent_handoff",
				Name:      "total",
				Help:      "Total number of session handoffs between agents, by outcome",
			},
			[]string{"outcome"}, // success|rejected
		),
	}
}
