package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/coordcore/sessioncore/internal/kv"
)

func agentKey(id string) string   { return "agent:" + id }
func taskKey(id string) string    { return "task:" + id }
func handoffKey(id string) string { return "handoff:" + id }

const (
	agentPriorityQueueKey = "agent:priority:queue"
	taskPriorityQueueKey  = "task:priority:queue"
	taskAssignedQueueKey  = "task:assigned:queue"
)

// registry is the KV-backed persistence layer for agents, tasks, and
// handoffs, grounded on the hash+zset layout in spec §6.
type registry struct {
	kv kv.Facade
}

func newRegistry(facade kv.Facade) *registry { return &registry{kv: facade} }

func (r *registry) putAgent(ctx context.Context, a *Agent) error {
	fields, err := agentToFields(a)
	if err != nil {
		return err
	}
	if err := r.kv.HSet(ctx, agentKey(a.ID), fields); err != nil {
		return err
	}
	return r.kv.ZAdd(ctx, agentPriorityQueueKey, kv.Member{Score: float64(a.Priority), Member: a.ID})
}

func (r *registry) getAgent(ctx context.Context, id string) (*Agent, error) {
	fields, err := r.kv.HGetAll(ctx, agentKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrAgentNotFound(id)
	}
	return agentFromFields(id, fields)
}

func (r *registry) listAgentIDs(ctx context.Context) ([]string, error) {
	members, err := r.kv.ZRange(ctx, agentPriorityQueueKey, 0, -1)
	if err != nil {
		return nil, err
	}
	return members, nil
}

func agentToFields(a *Agent) (map[string]string, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, err
	}
	sessions, err := json.Marshal(a.CurrentSessions)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"type":                a.Type,
		"capabilities":        string(caps),
		"priority":            strconv.Itoa(a.Priority),
		"load":                strconv.Itoa(a.Load),
		"maxLoad":             strconv.Itoa(a.MaxLoad),
		"status":              string(a.Status),
		"lastHeartbeat":       a.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"metadata":            string(meta),
		"currentSessions":     string(sessions),
		"totalTasksCompleted": strconv.FormatInt(a.TotalTasksCompleted, 10),
		"averageTaskDuration": strconv.FormatFloat(a.AverageTaskDuration, 'f', -1, 64),
		"errorRate":           strconv.FormatFloat(a.ErrorRate, 'f', -1, 64),
	}, nil
}

func agentFromFields(id string, fields map[string]string) (*Agent, error) {
	a := &Agent{ID: id, Type: fields["type"], Status: Status(fields["status"])}

	if v := fields["capabilities"]; v != "" {
		if err := json.Unmarshal([]byte(v), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("corrupted capabilities for %s: %w", id, err)
		}
	}
	if v := fields["currentSessions"]; v != "" {
		if err := json.Unmarshal([]byte(v), &a.CurrentSessions); err != nil {
			return nil, fmt.Errorf("corrupted currentSessions for %s: %w", id, err)
		}
	}
	if v := fields["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &a.Metadata)
	}
	a.Priority, _ = strconv.Atoi(fields["priority"])
	a.Load, _ = strconv.Atoi(fields["load"])
	a.MaxLoad, _ = strconv.Atoi(fields["maxLoad"])
	a.TotalTasksCompleted, _ = strconv.ParseInt(fields["totalTasksCompleted"], 10, 64)
	a.AverageTaskDuration, _ = strconv.ParseFloat(fields["averageTaskDuration"], 64)
	a.ErrorRate, _ = strconv.ParseFloat(fields["errorRate"], 64)
	if v := fields["lastHeartbeat"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			a.LastHeartbeat = t
		}
	}
	return a, nil
}

func (r *registry) putTask(ctx context.Context, t *Task) error {
	fields, err := taskToFields(t)
	if err != nil {
		return err
	}
	if err := r.kv.HSet(ctx, taskKey(t.ID), fields); err != nil {
		return err
	}
	// HSet merges, so optional fields that are now unset must be removed
	// or their previous values would survive (e.g. after a requeue).
	var stale []string
	for _, f := range []string{"deadline", "assignedAgent", "assignedAt", "completedAt", "error", "result"} {
		if _, ok := fields[f]; !ok {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return r.kv.HDel(ctx, taskKey(t.ID), stale...)
}

func (r *registry) getTask(ctx context.Context, id string) (*Task, error) {
	fields, err := r.kv.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound(id)
	}
	return taskFromFields(id, fields)
}

func taskToFields(t *Task) (map[string]string, error) {
	caps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"type":                 t.Type,
		"priority":             strconv.Itoa(t.Priority),
		"sessionId":            t.SessionID,
		"requiredCapabilities": string(caps),
		"estimatedDuration":    strconv.FormatInt(t.EstimatedDuration, 10),
		"status":               string(t.Status),
		"createdAt":            t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempts":             strconv.Itoa(t.Attempts),
		"maxAttempts":          strconv.Itoa(t.MaxAttempts),
		"metadata":             string(meta),
	}
	if t.Deadline != nil {
		fields["deadline"] = t.Deadline.UTC().Format(time.RFC3339Nano)
	}
	if t.AssignedAgent != "" {
		fields["assignedAgent"] = t.AssignedAgent
	}
	if t.AssignedAt != nil {
		fields["assignedAt"] = t.AssignedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		fields["completedAt"] = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if t.Error != "" {
		fields["error"] = t.Error
	}
	if t.Result != nil {
		if encoded, err := json.Marshal(t.Result); err == nil {
			fields["result"] = string(encoded)
		}
	}
	return fields, nil
}

func taskFromFields(id string, fields map[string]string) (*Task, error) {
	t := &Task{ID: id, Type: fields["type"], SessionID: fields["sessionId"], Status: TaskStatus(fields["status"])}

	if v := fields["requiredCapabilities"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("corrupted requiredCapabilities for %s: %w", id, err)
		}
	}
	if v := fields["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &t.Metadata)
	}
	if v := fields["result"]; v != "" {
		_ = json.Unmarshal([]byte(v), &t.Result)
	}
	t.Priority, _ = strconv.Atoi(fields["priority"])
	t.EstimatedDuration, _ = strconv.ParseInt(fields["estimatedDuration"], 10, 64)
	t.Attempts, _ = strconv.Atoi(fields["attempts"])
	t.MaxAttempts, _ = strconv.Atoi(fields["maxAttempts"])
	t.AssignedAgent = fields["assignedAgent"]
	t.Error = fields["error"]

	if v := fields["createdAt"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.CreatedAt = ts
		}
	}
	if v := fields["deadline"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.Deadline = &ts
		}
	}
	if v := fields["assignedAt"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.AssignedAt = &ts
		}
	}
	if v := fields["completedAt"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.CompletedAt = &ts
		}
	}

	return t, nil
}

func (r *registry) enqueueTask(ctx context.Context, t *Task) error {
	return r.kv.ZAdd(ctx, taskPriorityQueueKey, kv.Member{Score: float64(t.Priority), Member: t.ID})
}

func (r *registry) dequeueCandidateTaskIDs(ctx context.Context, limit int64) ([]string, error) {
	// Highest priority first: ZRange ascending gives lowest score first,
	// so pull the top slice and reverse.
	ids, err := r.kv.ZRange(ctx, taskPriorityQueueKey, -limit, -1)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (r *registry) removeFromTaskQueue(ctx context.Context, taskID string) error {
	return r.kv.ZRem(ctx, taskPriorityQueueKey, taskID)
}

func (r *registry) addToAssignedQueue(ctx context.Context, taskID string, assignedAt time.Time) error {
	return r.kv.ZAdd(ctx, taskAssignedQueueKey, kv.Member{Score: float64(assignedAt.Unix()), Member: taskID})
}

func (r *registry) removeFromAssignedQueue(ctx context.Context, taskID string) error {
	return r.kv.ZRem(ctx, taskAssignedQueueKey, taskID)
}

// listTaskIDs returns every task still tracked by either the pending
// or assigned queue, deduplicated.
func (r *registry) listTaskIDs(ctx context.Context) ([]string, error) {
	pending, err := r.kv.ZRange(ctx, taskPriorityQueueKey, 0, -1)
	if err != nil {
		return nil, err
	}
	assigned, err := r.kv.ZRange(ctx, taskAssignedQueueKey, 0, -1)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(pending)+len(assigned))
	ids := make([]string, 0, len(pending)+len(assigned))
	for _, id := range append(pending, assigned...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *registry) putHandoff(ctx context.Context, h *Handoff) error {
	ctxJSON, err := json.Marshal(h.Context)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"sessionId": h.SessionID,
		"fromAgent": h.FromAgent,
		"toAgent":   h.ToAgent,
		"reason":    h.Reason,
		"context":   string(ctxJSON),
		"timestamp": h.Timestamp.UTC().Format(time.RFC3339Nano),
		"priority":  strconv.Itoa(h.Priority),
	}
	if h.EstimatedDuration > 0 {
		fields["estimatedDuration"] = strconv.FormatInt(h.EstimatedDuration, 10)
	}
	return r.kv.HSet(ctx, handoffKey(h.ID), fields)
}
