package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateHandoffMovesSessionBetweenAgents(t *testing.T) {
	coord, mr := newTestCoordinator(t, StrategyRoundRobin)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, coord.RegisterAgent(ctx, "agent-a", RegisterOptions{MaxLoad: 5}))
	require.NoError(t, coord.RegisterAgent(ctx, "agent-b", RegisterOptions{MaxLoad: 5}))

	agentA := mustAgent(t, ctx, coord, "agent-a")
	agentA.CurrentSessions = append(agentA.CurrentSessions, "sess-1")
	agentA.Load = 1
	require.NoError(t, coord.reg.putAgent(ctx, agentA))

	handoffID, err := coord.InitiateHandoff(ctx, "sess-1", "agent-a", "agent-b", "rebalance")
	require.NoError(t, err)
	assert.NotEmpty(t, handoffID)

	updatedA := mustAgent(t, ctx, coord, "agent-a")
	updatedB := mustAgent(t, ctx, coord, "agent-b")
	assert.NotContains(t, updatedA.CurrentSessions, "sess-1")
	assert.Contains(t, updatedB.CurrentSessions, "sess-1")
}

func TestInitiateHandoffRejectsConcurrentRequestForSameSession(t *testing.T) {
	coord, mr := newTestCoordinator(t, StrategyRoundRobin)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, coord.RegisterAgent(ctx, "agent-a", RegisterOptions{MaxLoad: 5}))
	require.NoError(t, coord.RegisterAgent(ctx, "agent-b", RegisterOptions{MaxLoad: 5}))

	lock := newSessionLock(coord.reg.kv, "sess-1", time.Minute, coord.logger)
	acquired, err := lock.acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	defer lock.release(ctx)

	_, err = coord.InitiateHandoff(ctx, "sess-1", "agent-a", "agent-b", "rebalance")
	require.Error(t, err)
}

func mustAgent(t *testing.T, ctx context.Context, coord *Coordinator, id string) *Agent {
	t.Helper()
	a, err := coord.reg.getAgent(ctx, id)
	require.NoError(t, err)
	return a
}
