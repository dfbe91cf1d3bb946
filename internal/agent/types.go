// Package agent implements the task coordinator: agent registry,
// priority scheduling across pluggable strategies, heartbeat-based
// liveness detection, dead-agent task reassignment, and handoffs.
package agent

import "time"

// Status is an agent's lifecycle status.
type Status string

const (
	StatusActive      Status = "active"
	StatusBusy        Status = "busy"
	StatusIdle        Status = "idle"
	StatusDead        Status = "dead"
	StatusMaintenance Status = "maintenance"
)

// TaskStatus is a task's lifecycle status.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Strategy names the scheduling algorithm used to pick an agent for a
// queued task.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round-robin"
	StrategyLeastLoaded        Strategy = "least-loaded"
	StrategyPriorityBased      Strategy = "priority-based"
	StrategyCapabilityWeighted Strategy = "capability-weighted"
	StrategyDynamic            Strategy = "dynamic"
)

// Agent is a participant identity holding capabilities, load, and a
// lifecycle status.
type Agent struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	Capabilities        []string  `json:"capabilities"`
	Priority            int       `json:"priority"`
	Load                int       `json:"load"`
	MaxLoad             int       `json:"maxLoad"`
	Status              Status    `json:"status"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	CurrentSessions     []string  `json:"currentSessions"`
	TotalTasksCompleted int64     `json:"totalTasksCompleted"`
	AverageTaskDuration float64   `json:"averageTaskDuration"`
	ErrorRate           float64   `json:"errorRate"`
}

// Task is a unit of work routed to an agent.
type Task struct {
	ID                   string     `json:"id"`
	Type                 string     `json:"type"`
	Priority             int        `json:"priority"`
	SessionID            string     `json:"sessionId"`
	RequiredCapabilities []string   `json:"requiredCapabilities"`
	EstimatedDuration    int64      `json:"estimatedDuration"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	Status               TaskStatus `json:"status"`
	CreatedAt            time.Time  `json:"createdAt"`
	Attempts             int        `json:"attempts"`
	MaxAttempts          int        `json:"maxAttempts"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	AssignedAgent        string     `json:"assignedAgent,omitempty"`
	AssignedAt           *time.Time `json:"assignedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	Result               interface{} `json:"result,omitempty"`
	Error                string     `json:"error,omitempty"`
}

// Handoff records a session transfer between two agents.
type Handoff struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	FromAgent         string    `json:"fromAgent"`
	ToAgent           string    `json:"toAgent"`
	Reason            string    `json:"reason"`
	Context           map[string]interface{} `json:"context,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Priority          int       `json:"priority"`
	EstimatedDuration int64     `json:"estimatedDuration,omitempty"`
}

// RegisterOptions controls Coordinator.RegisterAgent.
type RegisterOptions struct {
	Type         string
	Capabilities []string
	Priority     int
	MaxLoad      int
	Metadata     map[string]interface{}
}

// SubmitOptions controls Coordinator.SubmitTask.
type SubmitOptions struct {
	Priority             int
	RequiredCapabilities []string
	EstimatedDuration    time.Duration
	Deadline             *time.Time
	MaxAttempts          int
	Metadata             map[string]interface{}
}
