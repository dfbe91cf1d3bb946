// Package health aggregates component health into a single status
// document and drives a phased, checkpoint-preserving shutdown.
package health

import "time"

// Status is the health state of a single component or the system as a
// whole.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusDown     Status = "down"
)

// rank orders statuses from best to worst so the overall status can be
// computed as the worst of its components.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusDown:
		return 3
	default:
		return 3
	}
}

func worst(a, b Status) Status {
	if a == "" {
		return b
	}
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// ComponentHealth is a single component's contribution to Health.
type ComponentHealth struct {
	Status    Status                 `json:"status"`
	Latency   time.Duration          `json:"latency"`
	ErrorRate float64                `json:"errorRate"`
	LastCheck time.Time              `json:"lastCheck"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Health is the document returned by Checker.GetHealth.
type Health struct {
	Overall    Status                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    interface{}                `json:"metrics,omitempty"`
	Alerts     []interface{}              `json:"alerts,omitempty"`
}

// Phase is a named step of a GracefulShutdown run.
type Phase string

const (
	PhaseInitiated     Phase = "initiated"
	PhaseDraining      Phase = "draining"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCleanup       Phase = "cleanup"
	PhaseComplete      Phase = "complete"
	PhaseForced        Phase = "forced"
)

// RecoveryData is the blob persisted to session:recovery:data before
// shutdown so a subsequent process can reconstruct in-flight state.
type RecoveryData struct {
	Timestamp      time.Time              `json:"timestamp"`
	ActiveSessions []SessionRecoveryEntry `json:"activeSessions"`
	Configuration  map[string]interface{} `json:"configuration,omitempty"`
	Statistics     interface{}            `json:"statistics,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
}

// SessionRecoveryEntry records one active session's identity and last
// observed activity at shutdown time.
type SessionRecoveryEntry struct {
	SessionID    string    `json:"sessionId"`
	LastActivity time.Time `json:"lastActivity"`
}
