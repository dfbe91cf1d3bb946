package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/sessioncore/internal/kg"
	"github.com/coordcore/sessioncore/internal/kv"
)

// fakeKG is a minimal in-memory stand-in for a knowledge-graph backend,
// implementing just enough of anchorCypher/entityAnchorsCypher/
// entityAnchoredSessionsCypher to exercise SessionBridge's KG-backed
// paths without a real graph store.
type fakeKG struct {
	mu      sync.Mutex
	anchors map[string][]kg.Row // entityID -> anchors
}

func newFakeKG() *fakeKG {
	return &fakeKG{anchors: make(map[string][]kg.Row)}
}

func (f *fakeKG) Query(ctx context.Context, query string, params map[string]interface{}) ([]kg.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch query {
	case anchorCypher:
		entityID := params["entityId"].(string)
		row := kg.Row{
			"sessionId":    params["sessionId"],
			"checkpointId": params["checkpointId"],
			"outcome":      params["outcome"],
			"actors":       params["actors"],
		}
		anchors := append(f.anchors[entityID], row)
		if keep, ok := params["keep"].(int); ok && len(anchors) > keep {
			anchors = anchors[len(anchors)-keep:]
		}
		f.anchors[entityID] = anchors
		return nil, nil

	case entityAnchorsCypher:
		entityID := params["entityId"].(string)
		sessionID := params["sessionId"].(string)
		agentID := params["agentId"].(string)
		var out []kg.Row
		for _, row := range f.anchors[entityID] {
			if row["sessionId"] != sessionID {
				continue
			}
			actors, _ := row["actors"].([]string)
			for _, a := range actors {
				if a == agentID {
					out = append(out, row)
					break
				}
			}
		}
		return out, nil

	case entityAnchoredSessionsCypher:
		entityID := params["entityId"].(string)
		var out []kg.Row
		for _, row := range f.anchors[entityID] {
			out = append(out, kg.Row{"sessionId": row["sessionId"]})
		}
		return out, nil

	case entityContextCypher:
		return []kg.Row{{"context": "ok"}}, nil

	default:
		return nil, nil
	}
}

func newTestBridge(t *testing.T) (*Bridge, *Manager, *fakeKG, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	facade := kv.New(client, nil)
	store := NewStore(facade, time.Minute, nil)
	fake := newFakeKG()
	mgr := NewManager(facade, store, fake, nil, ManagerConfig{DefaultTTL: time.Hour, GraceTTL: time.Minute, CheckpointWindow: 20}, nil)
	bridge := NewBridge(store, fake)

	return bridge, mgr, fake, mr
}

// TestBridgeTransitionsDetectsPairwiseRegression mirrors the end-to-end
// scenario where a modified event with no impact is followed by a broke
// event with high-severity impact: exactly one TransitionResult should
// be produced, with fromSeq/toSeq pointing at the two events (seq 2 and
// 3, after the implicit seq-1 start event).
func TestBridgeTransitionsDetectsPairwiseRegression(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{InitialEntityIDs: []string{"a.go"}})
	require.NoError(t, err)

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		Actor:      "agent-a",
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"a.go"}, Operation: "edit"},
	}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventBroke,
		Actor:      "agent-a",
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"a.go"}, Operation: "edit"},
		Impact:     &Impact{Severity: SeverityHigh},
	}, DefaultEmitOptions()))

	transitions, err := bridge.Transitions(ctx, sessionID, "")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, int64(2), transitions[0].FromSeq)
	assert.Equal(t, int64(3), transitions[0].ToSeq)
	assert.Contains(t, transitions[0].Reasons, "high_severity_impact")
}

func TestBridgeTransitionsFiltersByEntity(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"a.go"}},
	}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventBroke,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"b.go"}},
		Impact:     &Impact{Severity: SeverityCritical},
	}, DefaultEmitOptions()))

	transitions, err := bridge.Transitions(ctx, sessionID, "a.go")
	require.NoError(t, err)
	assert.Empty(t, transitions)

	transitions, err = bridge.Transitions(ctx, sessionID, "b.go")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
}

func TestBridgeTransitionsDetectsPerfRegression(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{Type: EventModified}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:   EventModified,
		Impact: &Impact{PerfDelta: -12.5},
	}, DefaultEmitOptions()))

	transitions, err := bridge.Transitions(ctx, sessionID, "")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Contains(t, transitions[0].Reasons, "perf_regression")
}

func TestBridgeIsolateSessionFiltersByActorAndSumsPerfDelta(t *testing.T) {
	bridge, mgr, fake, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.Join(ctx, sessionID, "agent-b"))

	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		Actor:      "agent-a",
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"a.go"}},
		Impact:     &Impact{PerfDelta: -3},
	}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		Actor:      "agent-b",
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"b.go"}},
		Impact:     &Impact{PerfDelta: -7},
	}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		Actor:      "agent-a",
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"a.go"}},
		Impact:     &Impact{PerfDelta: -2},
	}, DefaultEmitOptions()))

	fake.mu.Lock()
	fake.anchors["a.go"] = []kg.Row{{"sessionId": sessionID, "actors": []string{"agent-a"}}}
	fake.mu.Unlock()

	isolated, err := bridge.IsolateSession(ctx, sessionID, "agent-a")
	require.NoError(t, err)
	assert.Len(t, isolated.Events, 2)
	assert.InDelta(t, -5.0, isolated.TotalPerfDelta, 0.001)
	assert.Contains(t, isolated.EntityAnchors, "a.go")
	assert.NotContains(t, isolated.EntityAnchors, "b.go")
}

func TestBridgeHandoffContext(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.Join(ctx, sessionID, "agent-b"))

	handoff, err := bridge.HandoffContext(ctx, sessionID, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, handoff.AgentIDs)
}

func TestBridgeQuerySessionsByEntityUnionsKGAndActiveSessions(t *testing.T) {
	bridge, mgr, fake, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	liveSession, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.EmitEvent(ctx, liveSession, Event{
		Type:       EventModified,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"shared.go"}},
	}, DefaultEmitOptions()))

	fake.mu.Lock()
	fake.anchors["shared.go"] = []kg.Row{{"sessionId": "sess-archived"}}
	fake.mu.Unlock()

	ids, err := bridge.QuerySessionsByEntity(ctx, "shared.go", QueryOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{liveSession, "sess-archived"}, ids)
}

func TestBridgeQuerySessionsByEntityFiltersByAgentAndState(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"x.go"}},
	}, DefaultEmitOptions()))

	ids, err := bridge.QuerySessionsByEntity(ctx, "x.go", QueryOptions{AgentID: "agent-z"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = bridge.QuerySessionsByEntity(ctx, "x.go", QueryOptions{AgentID: "agent-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{sessionID}, ids)
}

func TestBridgeAggregatesAcrossAllActiveSessions(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	_, err = mgr.CreateSession(ctx, "agent-b", CreateOptions{})
	require.NoError(t, err)

	view, err := bridge.Aggregates(ctx, nil, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, view.TotalSessions)
	assert.Equal(t, 2, view.ActiveAgents)
	assert.Equal(t, 2, view.Outcomes[StateWorking])
}

func TestBridgeAggregatesByEntityComputesPerfImpactAndBreakdown(t *testing.T) {
	bridge, mgr, _, mr := newTestBridge(t)
	defer mr.Close()
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, "agent-a", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"y.go"}},
		Impact:     &Impact{PerfDelta: -10},
	}, DefaultEmitOptions()))
	require.NoError(t, mgr.EmitEvent(ctx, sessionID, Event{
		Type:       EventModified,
		ChangeInfo: &ChangeInfo{EntityIDs: []string{"y.go"}},
		Impact:     &Impact{PerfDelta: -4},
	}, DefaultEmitOptions()))

	view, err := bridge.Aggregates(ctx, []string{"y.go"}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, view.TotalSessions)
	assert.InDelta(t, -14.0, view.PerfImpact.Total, 0.001)
	assert.InDelta(t, -10.0, view.PerfImpact.Worst, 0.001)
	require.Contains(t, view.PerEntity, "y.go")
	assert.Equal(t, 1, view.PerEntity["y.go"].SessionCount)
	assert.InDelta(t, -14.0, view.PerEntity["y.go"].PerfDelta, 0.001)
}
