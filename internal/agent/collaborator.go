package agent

import (
	"context"
	"fmt"
)

// Snapshot is the point-in-time capture of every known agent and task,
// the unit a rollback collaborator restores comparisons against.
type Snapshot struct {
	Agents []*Agent `json:"agents"`
	Tasks  []*Task  `json:"tasks"`
}

// Snapshot captures every registered agent and every task still live in
// either queue. Errors reading an individual agent or task are folded
// into the returned error rather than silently dropping entries, since
// a rollback comparison over partial state is worse than failing loud.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	agentIDs, err := c.reg.listAgentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := c.reg.getAgent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load agent %s: %w", id, err)
		}
		agents = append(agents, a)
	}

	taskIDs, err := c.reg.listTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := c.reg.getTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}

	return &Snapshot{Agents: agents, Tasks: tasks}, nil
}

// Collaborator adapts a Coordinator into a rollback collaborator,
// contributing an "agent" kind snapshot to every rollback point.
type Collaborator struct {
	coordinator *Coordinator
}

// NewCollaborator wraps coordinator for rollback capture.
func NewCollaborator(coordinator *Coordinator) *Collaborator {
	return &Collaborator{coordinator: coordinator}
}

// Kind identifies this collaborator's snapshot namespace.
func (*Collaborator) Kind() string { return "agent" }

// Capture returns the current agent/task snapshot.
func (c *Collaborator) Capture(ctx context.Context) (interface{}, error) {
	return c.coordinator.Snapshot(ctx)
}
