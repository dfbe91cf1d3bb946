package agent

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coordcore/sessioncore/internal/kv"
	"github.com/coordcore/sessioncore/internal/metrics"
)

// Config tunes Coordinator scheduling and liveness behavior.
type Config struct {
	Strategy          Strategy
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RecoveryDelay     time.Duration
	SchedulerInterval time.Duration
	SchedulerBatch    int64
	HandoffLockTTL    time.Duration
}

func defaultConfig(cfg Config) Config {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyDynamic
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = time.Minute
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = 2 * time.Second
	}
	if cfg.SchedulerBatch <= 0 {
		cfg.SchedulerBatch = 50
	}
	if cfg.HandoffLockTTL <= 0 {
		cfg.HandoffLockTTL = 5 * time.Second
	}
	return cfg
}

// Coordinator is the AgentCoordinator: registry, scheduling, liveness,
// and handoffs over the shared KV store, per spec §4.7.
type Coordinator struct {
	reg    *registry
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex // serializes scheduling ticks against concurrent submissions
	stop chan struct{}
	wg   sync.WaitGroup

	metrics *metrics.AgentMetrics
}

// SetMetrics wires a metrics.AgentMetrics instance; observations are
// skipped until this is called.
func (c *Coordinator) SetMetrics(m *metrics.AgentMetrics) {
	c.metrics = m
}

func NewCoordinator(facade kv.Facade, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		reg:    newRegistry(facade),
		cfg:    defaultConfig(cfg),
		logger: logger.With("component", "agent_coordinator"),
		stop:   make(chan struct{}),
	}
}

// Start launches the background scheduling and heartbeat-detection
// loops; call Stop to end them.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.schedulerLoop(ctx)
	go c.livenessLoop(ctx)
}

func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) schedulerLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Schedule(ctx); err != nil {
				c.logger.Error("scheduling tick failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) livenessLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.detectDeadAgents(ctx); err != nil {
				c.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// RegisterAgent creates or updates an agent's registry entry.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentID string, opts RegisterOptions) error {
	maxLoad := opts.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 10
	}
	a := &Agent{
		ID:              agentID,
		Type:            opts.Type,
		Capabilities:    opts.Capabilities,
		Priority:        opts.Priority,
		MaxLoad:         maxLoad,
		Status:          StatusActive,
		LastHeartbeat:   time.Now().UTC(),
		Metadata:        opts.Metadata,
		CurrentSessions: []string{},
	}
	if err := c.reg.putAgent(ctx, a); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.AgentsRegisteredTotal.WithLabelValues(opts.Type).Inc()
	}
	return nil
}

// Heartbeat refreshes an agent's lastHeartbeat, reviving it from dead
// back to active if it had been marked dead.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	a, err := c.reg.getAgent(ctx, agentID)
	if err != nil {
		return err
	}
	a.LastHeartbeat = time.Now().UTC()
	if a.Status == StatusDead {
		a.Status = StatusActive
	}
	return c.reg.putAgent(ctx, a)
}

// SubmitTask inserts a task into the priority queue and triggers an
// immediate scheduling attempt.
func (c *Coordinator) SubmitTask(ctx context.Context, taskType, sessionID string, opts SubmitOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	task := &Task{
		ID:                   "task-" + uuid.NewString(),
		Type:                 taskType,
		Priority:             opts.Priority,
		SessionID:            sessionID,
		RequiredCapabilities: opts.RequiredCapabilities,
		EstimatedDuration:    int64(opts.EstimatedDuration.Seconds()),
		Deadline:             opts.Deadline,
		Status:               TaskQueued,
		CreatedAt:            time.Now().UTC(),
		MaxAttempts:          maxAttempts,
		Metadata:             opts.Metadata,
	}

	if err := c.reg.putTask(ctx, task); err != nil {
		return "", err
	}
	if err := c.reg.enqueueTask(ctx, task); err != nil {
		return "", err
	}

	if c.metrics != nil {
		c.metrics.TasksSubmittedTotal.WithLabelValues(taskType).Inc()
	}

	if err := c.Schedule(ctx); err != nil {
		c.logger.Warn("immediate scheduling attempt after submit failed", "task_id", task.ID, "error", err)
	}

	return task.ID, nil
}

// Schedule runs one scheduling tick: pull queued tasks high-to-low
// priority and assign each to the best eligible candidate under the
// configured strategy.
func (c *Coordinator) Schedule(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	taskIDs, err := c.reg.dequeueCandidateTaskIDs(ctx, c.cfg.SchedulerBatch)
	if err != nil {
		return err
	}

	agentIDs, err := c.reg.listAgentIDs(ctx)
	if err != nil {
		return err
	}
	agents := make([]*Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := c.reg.getAgent(ctx, id)
		if err != nil {
			continue
		}
		agents = append(agents, a)
	}

	for _, taskID := range taskIDs {
		task, err := c.reg.getTask(ctx, taskID)
		if err != nil {
			continue
		}
		if task.Status != TaskQueued {
			continue
		}

		candidates := eligibleCandidates(agents, task)
		chosen := selectAgent(candidates, task, c.cfg.Strategy)
		if chosen == nil {
			continue
		}

		if err := c.assign(ctx, task, chosen); err != nil {
			c.logger.Error("failed to assign task", "task_id", task.ID, "agent_id", chosen.ID, "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.SchedulingStrategyUsedTotal.WithLabelValues(string(c.cfg.Strategy)).Inc()
		}

		for i, a := range agents {
			if a.ID == chosen.ID {
				agents[i] = chosen
			}
		}
	}

	return nil
}

func eligibleCandidates(agents []*Agent, task *Task) []*Agent {
	candidates := make([]*Agent, 0)
	now := time.Now().UTC()
	for _, a := range agents {
		if a.Status != StatusActive && a.Status != StatusIdle {
			continue
		}
		if a.Load >= a.MaxLoad {
			continue
		}
		if !hasAllCapabilities(a.Capabilities, task.RequiredCapabilities) {
			continue
		}
		if task.Deadline != nil && now.After(*task.Deadline) {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates
}

// assign atomically (from the caller's perspective; this process holds
// the scheduling mutex for the duration) transitions task to assigned,
// updates the chosen agent's load/status/session set, and moves the
// task between queues.
func (c *Coordinator) assign(ctx context.Context, task *Task, chosen *Agent) error {
	now := time.Now().UTC()
	task.Status = TaskAssigned
	task.AssignedAgent = chosen.ID
	task.AssignedAt = &now

	chosen.Load++
	chosen.CurrentSessions = appendUnique(chosen.CurrentSessions, task.SessionID)
	if chosen.Load >= chosen.MaxLoad {
		chosen.Status = StatusBusy
	}

	if err := c.reg.putTask(ctx, task); err != nil {
		return err
	}
	if err := c.reg.putAgent(ctx, chosen); err != nil {
		return err
	}
	if err := c.reg.removeFromTaskQueue(ctx, task.ID); err != nil {
		return err
	}
	return c.reg.addToAssignedQueue(ctx, task.ID, now)
}

// CompleteTask marks a task completed, updates the agent's streaming
// average duration, and reverts the agent from busy to active if load
// has fallen below maxLoad.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string, durationSeconds float64, result interface{}) error {
	task, err := c.reg.getTask(ctx, taskID)
	if err != nil {
		return err
	}

	agentForTask, err := c.reg.getAgent(ctx, task.AssignedAgent)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.Status = TaskCompleted
	task.CompletedAt = &now
	task.Result = result

	n := float64(agentForTask.TotalTasksCompleted)
	agentForTask.AverageTaskDuration = (agentForTask.AverageTaskDuration*n + durationSeconds) / (n + 1)
	agentForTask.TotalTasksCompleted++
	if agentForTask.Load > 0 {
		agentForTask.Load--
	}
	agentForTask.CurrentSessions = removeString(agentForTask.CurrentSessions, task.SessionID)
	if agentForTask.Load < agentForTask.MaxLoad && agentForTask.Status == StatusBusy {
		agentForTask.Status = StatusActive
	}

	if err := c.reg.putTask(ctx, task); err != nil {
		return err
	}
	if err := c.reg.putAgent(ctx, agentForTask); err != nil {
		return err
	}
	if err := c.reg.removeFromAssignedQueue(ctx, task.ID); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.TasksCompletedTotal.WithLabelValues(task.Type).Inc()
		c.metrics.TaskDurationSeconds.WithLabelValues(task.Type).Observe(durationSeconds)
	}

	return c.Schedule(ctx)
}

// FailTask decrements load, updates errorRate, and requeues the task if
// attempts remain, else marks it failed.
func (c *Coordinator) FailTask(ctx context.Context, taskID, errMsg string) error {
	task, err := c.reg.getTask(ctx, taskID)
	if err != nil {
		return err
	}

	agentForTask, err := c.reg.getAgent(ctx, task.AssignedAgent)
	if err != nil {
		return err
	}

	n := float64(agentForTask.TotalTasksCompleted)
	agentForTask.ErrorRate = (agentForTask.ErrorRate*n + 1) / (n + 1)
	if agentForTask.Load > 0 {
		agentForTask.Load--
	}
	if agentForTask.Status == StatusBusy {
		agentForTask.Status = StatusActive
	}

	task.Attempts++
	task.Error = errMsg

	if err := c.reg.removeFromAssignedQueue(ctx, task.ID); err != nil {
		return err
	}

	requeued := task.Attempts < task.MaxAttempts
	if requeued {
		task.Status = TaskQueued
		task.AssignedAgent = ""
		task.AssignedAt = nil
		if err := c.reg.putTask(ctx, task); err != nil {
			return err
		}
		if err := c.reg.enqueueTask(ctx, task); err != nil {
			return err
		}
	} else {
		task.Status = TaskFailed
		if err := c.reg.putTask(ctx, task); err != nil {
			return err
		}
	}

	if c.metrics != nil {
		c.metrics.TasksFailedTotal.WithLabelValues(strconv.FormatBool(requeued)).Inc()
	}

	return c.reg.putAgent(ctx, agentForTask)
}

// detectDeadAgents scans all agents, marking any whose heartbeat has
// lapsed as dead, reassigning their in-flight work back to the queue.
func (c *Coordinator) detectDeadAgents(ctx context.Context) error {
	agentIDs, err := c.reg.listAgentIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range agentIDs {
		a, err := c.reg.getAgent(ctx, id)
		if err != nil {
			continue
		}
		if a.Status == StatusDead {
			continue
		}
		if now.Sub(a.LastHeartbeat) <= c.cfg.HeartbeatTimeout {
			continue
		}

		a.Status = StatusDead
		if err := c.reg.putAgent(ctx, a); err != nil {
			c.logger.Error("failed to mark agent dead", "agent_id", id, "error", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.DeadAgentsDetectedTotal.Inc()
		}

		if err := c.reassignAgentTasks(ctx, id); err != nil {
			c.logger.Error("failed to reassign dead agent's tasks", "agent_id", id, "error", err)
		}

		if err := c.reg.kv.Publish(ctx, "agent:"+id+":recovery", "probe"); err != nil {
			c.logger.Warn("failed to publish recovery probe", "agent_id", id, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) reassignAgentTasks(ctx context.Context, agentID string) error {
	assignedIDs, err := c.reg.kv.ZRange(ctx, taskAssignedQueueKey, 0, -1)
	if err != nil {
		return err
	}

	for _, taskID := range assignedIDs {
		task, err := c.reg.getTask(ctx, taskID)
		if err != nil || task.AssignedAgent != agentID {
			continue
		}

		task.Status = TaskQueued
		task.AssignedAgent = ""
		task.AssignedAt = nil
		if err := c.reg.putTask(ctx, task); err != nil {
			continue
		}
		_ = c.reg.removeFromAssignedQueue(ctx, taskID)
		_ = c.reg.enqueueTask(ctx, task)
		if c.metrics != nil {
			c.metrics.TasksReassignedTotal.Inc()
		}
	}
	return nil
}

// InitiateHandoff transfers a session from one agent to another,
// adjusting both agents' loads/statuses and recording the handoff.
func (c *Coordinator) InitiateHandoff(ctx context.Context, sessionID, fromAgentID, toAgentID, reason string) (string, error) {
	lock := newSessionLock(c.reg.kv, sessionID, c.cfg.HandoffLockTTL, c.logger)
	acquired, err := lock.acquire(ctx)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrHandoffInProgress(sessionID)
	}
	defer lock.release(ctx)

	toAgent, err := c.reg.getAgent(ctx, toAgentID)
	if err != nil {
		return "", err
	}
	if toAgent.Status == StatusDead || toAgent.Status == StatusMaintenance {
		return "", ErrAgentUnavailable(toAgentID)
	}
	if toAgent.Load >= toAgent.MaxLoad {
		return "", ErrAgentUnavailable(toAgentID)
	}

	fromAgent, err := c.reg.getAgent(ctx, fromAgentID)
	if err != nil {
		return "", err
	}

	fromAgent.CurrentSessions = removeString(fromAgent.CurrentSessions, sessionID)
	if fromAgent.Load > 0 {
		fromAgent.Load--
	}
	if fromAgent.Status == StatusBusy && fromAgent.Load < fromAgent.MaxLoad {
		fromAgent.Status = StatusActive
	}

	toAgent.CurrentSessions = appendUnique(toAgent.CurrentSessions, sessionID)
	toAgent.Load++
	if toAgent.Load >= toAgent.MaxLoad {
		toAgent.Status = StatusBusy
	}

	if err := c.reg.putAgent(ctx, fromAgent); err != nil {
		return "", err
	}
	if err := c.reg.putAgent(ctx, toAgent); err != nil {
		return "", err
	}

	handoff := &Handoff{
		ID:        "handoff-" + uuid.NewString(),
		SessionID: sessionID,
		FromAgent: fromAgentID,
		ToAgent:   toAgentID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Priority:  toAgent.Priority,
	}
	if err := c.reg.putHandoff(ctx, handoff); err != nil {
		return "", err
	}
	if c.metrics != nil {
		c.metrics.HandoffsTotal.WithLabelValues("success").Inc()
	}

	return handoff.ID, nil
}

func appendUnique(items []string, item string) []string {
	for _, v := range items {
		if v == item {
			return items
		}
	}
	return append(items, item)
}

func removeString(items []string, item string) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
