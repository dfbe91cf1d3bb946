package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/sessioncore/internal/kv"
)

func newTestManager(t *testing.T) (*Manager, *Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	facade := kv.New(client, nil)

	store := NewStore(facade, time.Minute, nil)
	mgr := NewManager(facade, store, nil, nil, ManagerConfig{
		DefaultTTL:       time.Hour,
		GraceTTL:         time.Minute,
		CheckpointWindow: 20,
	}, nil)

	return mgr, store, mr
}

func TestManagerCreateSessionAllocatesSeq(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	assert.Contains(t, sessionID, "sess-")

	err = mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions())
	require.NoError(t, err)

	_, events, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestManagerCreateSessionWithInitialEntitiesDoesNotCollideSeq(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{InitialEntityIDs: []string{"a.go"}})
	require.NoError(t, err)

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))

	_, events, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	seqs := make([]int64, len(events))
	for i, e := range events {
		seqs[i] = e.Seq
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestManagerEmitEventSequenceIsMonotonic(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))
	}

	_, events, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestManagerRecoversSequenceAfterRestart(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))

	// Simulate a process restart: a fresh manager has no in-memory
	// counter and must recover it from the zset cardinality.
	freshMgr := NewManager(nil, store, nil, nil, ManagerConfig{DefaultTTL: time.Hour, GraceTTL: time.Minute}, nil)
	freshMgr.log = NewEventLog(kv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil))

	require.NoError(t, freshMgr.EmitEvent(ctx, sessionID, Event{Type: EventModified, Actor: "agent-a"}, DefaultEmitOptions()))

	_, events, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Seq)
}

func TestManagerCheckpointAggregatesBrokenOutcome(t *testing.T) {
	mgr, _, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:  EventBroke,
		Actor: "agent-a",
		StateTransition: &StateTransition{From: StateWorking, To: StateBroken},
		Impact: &Impact{Severity: SeverityHigh},
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"file.go"}},
	}, DefaultEmitOptions()))

	checkpointID, err := mgr.Checkpoint(ctx, sessionID, CheckpointOptions{})
	require.NoError(t, err)
	assert.Contains(t, checkpointID, "chk-")
}

func TestManagerJoinAndLeave(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.Join(ctx, sessionID, "agent-b"))
	doc, _, err := store.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, doc.AgentIDs)

	require.NoError(t, mgr.Leave(ctx, sessionID, "agent-a"))
	doc, _, err = store.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-b"}, doc.AgentIDs)
}
