package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KVMetrics tracks the Redis-backed KV facade and its circuit breaker.
//
// All metrics follow the taxonomy:
// coordcore_kv_<subsystem>_<metric_name>_<unit>
type KVMetrics struct {
	namespace string

	CommandsTotal        *prometheus.CounterVec
	CommandErrorsTotal   *prometheus.CounterVec
	CommandDuration      *prometheus.HistogramVec
	CircuitBreakerState  prometheus.Gauge // 0=closed,1=open,2=half-open
	CircuitBreakerTripsTotal prometheus.Counter
}

func newKVMetrics(namespace string) *KVMetrics {
	return &KVMetrics{
		namespace: namespace,

		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kv_facade",
				Name:      "commands_total",
				Help:      "Total number of KV facade commands issued, by command",
			},
			[]string{"command"},
		),

		CommandErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kv_facade",
				Name:      "command_errors_total",
				Help:      "Total number of KV facade command errors, by command",
			},
			[]string{"command"},
		),

		CommandDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kv_facade",
				Name:      "command_duration_seconds",
				Help:      "Duration of KV facade commands",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		CircuitBreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "kv_circuit_breaker",
				Name:      "state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		CircuitBreakerTripsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kv_circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of times the circuit breaker opened",
			},
		),
	}
}
