package rollback

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

type fakeCollaborator struct {
	kind  string
	state map[string]interface{}
}

func (f *fakeCollaborator) Kind() string { return f.kind }

func (f *fakeCollaborator) Capture(ctx context.Context) (interface{}, error) {
	out := make(map[string]interface{}, len(f.state))
	for k, v := range f.state {
		out[k] = v
	}
	return out, nil
}

func newTestManager(t *testing.T, collaborators ...Collaborator) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	facade := kv.New(client, nil)

	return NewManager(facade, collaborators, nil, nil), mr
}

func TestManagerCreateRollbackPointCapturesEveryCollaborator(t *testing.T) {
	session := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "working"}}
	kgEntities := &fakeCollaborator{kind: "kg_entities", state: map[string]interface{}{"count": float64(3)}}

	mgr, mr := newTestManager(t, session, kgEntities)
	defer mr.Close()
	ctx := context.Background()

	point, err := mgr.CreateRollbackPoint(ctx, "before-refactor", "pre-refactor snapshot", nil)
	require.NoError(t, err)
	assert.Len(t, point.SnapshotIDs, 2)

	loaded, err := mgr.GetRollbackPoint(ctx, point.ID)
	require.NoError(t, err)
	assert.Equal(t, point.Name, loaded.Name)
}

func TestManagerGenerateDiffDetectsChanges(t *testing.T) {
	session := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "working"}}

	mgr, mr := newTestManager(t, session)
	defer mr.Close()
	ctx := context.Background()

	point, err := mgr.CreateRollbackPoint(ctx, "point-1", "", nil)
	require.NoError(t, err)

	session.state["state"] = "broken"

	diff, err := mgr.GenerateDiff(ctx, point.ID)
	require.NoError(t, err)
	require.Len(t, diff.Entries, 1)
	assert.Equal(t, "session.state", diff.Entries[0].Path)
}

func TestManagerRollbackImmediateCompletes(t *testing.T) {
	session := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "working"}}

	mgr, mr := newTestManager(t, session)
	defer mr.Close()
	ctx := context.Background()

	point, err := mgr.CreateRollbackPoint(ctx, "point-1", "", nil)
	require.NoError(t, err)

	session.state["state"] = "broken"

	op, err := mgr.Rollback(ctx, point.ID, RollbackOptions{Strategy: "immediate", ConflictResolution: ResolutionOverwrite})
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, op.Status)
	assert.Equal(t, 100, op.Progress)
}

func TestManagerRollbackDryRunProducesPreviewWithoutPersistingMutation(t *testing.T) {
	session := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "working"}}

	mgr, mr := newTestManager(t, session)
	defer mr.Close()
	ctx := context.Background()

	point, err := mgr.CreateRollbackPoint(ctx, "point-1", "", nil)
	require.NoError(t, err)

	session.state["state"] = "broken"

	op, err := mgr.Rollback(ctx, point.ID, RollbackOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, op.Status)
	assert.Equal(t, "dry-run", op.Strategy)

	assert.Equal(t, "broken", session.state["state"])
}

func TestManagerStrategyForHeuristics(t *testing.T) {
	mgr, mr := newTestManager(t)
	defer mr.Close()

	recentPoint := &RollbackPoint{CreatedAt: time.Now()}
	oldPoint := &RollbackPoint{CreatedAt: time.Now().Add(-48 * time.Hour)}

	smallDiff := &Diff{Entries: make([]DiffEntry, 3)}
	bigDiff := &Diff{Entries: make([]DiffEntry, 60)}

	assert.Equal(t, "immediate", mgr.strategyFor("", smallDiff, recentPoint).Name())
	assert.Equal(t, "safe", mgr.strategyFor("", smallDiff, oldPoint).Name())
	assert.Equal(t, "gradual", mgr.strategyFor("", bigDiff, recentPoint).Name())
}

func TestManagerCancelOperation(t *testing.T) {
	session := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "working"}}
	mgr, mr := newTestManager(t, session)
	defer mr.Close()
	ctx := context.Background()

	point, err := mgr.CreateRollbackPoint(ctx, "point-1", "", nil)
	require.NoError(t, err)

	op, err := mgr.Rollback(ctx, point.ID, RollbackOptions{Strategy: "immediate", ConflictResolution: ResolutionOverwrite})
	require.NoError(t, err)

	err = mgr.CancelOperation(ctx, op.ID)
	require.Error(t, err) // already completed
}
