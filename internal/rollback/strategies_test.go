package rollback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutionContext(t *testing.T, oldState, newState map[string]interface{}) *ExecutionContext {
	t.Helper()
	engine := NewDiffEngine(nil, 0)
	diff := engine.Compare(oldState, newState)

	return &ExecutionContext{
		Ctx:                context.Background(),
		TargetPoint:        &RollbackPoint{ID: "point-1", CreatedAt: time.Now().UTC()},
		CurrentState:       map[string]interface{}{"session": cloneMap(newState)},
		Diff:               &Diff{Entries: retagKind(diff.Entries, "session")},
		ConflictResolution: ResolutionOverwrite,
		Engine:             engine,
	}
}

func retagKind(entries []DiffEntry, kind string) []DiffEntry {
	out := make([]DiffEntry, len(entries))
	for i, e := range entries {
		e.Path = kind + "." + e.Path
		out[i] = e
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestImmediateStrategyAppliesAllEntries(t *testing.T) {
	ec := newExecutionContext(t,
		map[string]interface{}{"session": map[string]interface{}{"name": "alpha"}},
		map[string]interface{}{"session": map[string]interface{}{"name": "beta"}},
	)

	strategy := ImmediateStrategy{}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)
}

func TestGradualStrategyRequiresMoreThanFiveChanges(t *testing.T) {
	ec := &ExecutionContext{
		Diff: &Diff{Entries: []DiffEntry{{Path: "a", Op: OpUpdate}}},
	}
	strategy := GradualStrategy{BatchSize: 2}
	err := strategy.Validate(ec)
	require.Error(t, err)
}

func TestGradualStrategyExecutesInBatches(t *testing.T) {
	entries := make([]DiffEntry, 0, 8)
	for i := 0; i < 8; i++ {
		entries = append(entries, DiffEntry{Path: "session.field" + string(rune('a'+i)), Op: OpCreate, NewValue: i})
	}

	ec := &ExecutionContext{
		Ctx:                context.Background(),
		CurrentState:       map[string]interface{}{"session": map[string]interface{}{}},
		Diff:               &Diff{Entries: entries},
		ConflictResolution: ResolutionOverwrite,
		Engine:             NewDiffEngine(nil, 0),
	}

	strategy := GradualStrategy{BatchSize: 3, DelayBetweenBatches: time.Millisecond}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)

	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Len(t, session, 8)
}

func TestSafeStrategyRefusesOldRollbackPoints(t *testing.T) {
	ec := &ExecutionContext{
		TargetPoint: &RollbackPoint{CreatedAt: time.Now().Add(-10 * 24 * time.Hour)},
	}
	strategy := SafeStrategy{Store: NewSnapshotStore(0)}
	err := strategy.Validate(ec)
	require.Error(t, err)
}

func TestSafeStrategyAppliesChangesAfterBackup(t *testing.T) {
	store := NewSnapshotStore(0)
	ec := &ExecutionContext{
		Ctx:                context.Background(),
		TargetPoint:        &RollbackPoint{CreatedAt: time.Now()},
		CurrentState:       map[string]interface{}{"session": map[string]interface{}{"name": "alpha"}},
		Diff:               &Diff{Entries: []DiffEntry{{Path: "session.name", Op: OpUpdate, NewValue: "beta"}}},
		ConflictResolution: ResolutionOverwrite,
		Engine:             NewDiffEngine(nil, 0),
	}

	strategy := SafeStrategy{Store: store}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)

	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Equal(t, "beta", session["name"])
}

func TestForceStrategySkipsValidation(t *testing.T) {
	ec := &ExecutionContext{
		CurrentState: map[string]interface{}{"session": map[string]interface{}{"name": "alpha"}},
		Diff:         &Diff{Entries: []DiffEntry{{Path: "session.name", Op: OpUpdate, NewValue: "beta"}}},
		Engine:       NewDiffEngine(nil, 0),
	}
	strategy := ForceStrategy{}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)

	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Equal(t, "beta", session["name"])
}

func TestPartialStrategyRequiresSelections(t *testing.T) {
	ec := &ExecutionContext{}
	strategy := PartialStrategy{}
	require.Error(t, strategy.Validate(ec))
}

func TestPartialStrategyAppliesOnlySelectedEntries(t *testing.T) {
	ec := &ExecutionContext{
		Ctx: context.Background(),
		CurrentState: map[string]interface{}{
			"session": map[string]interface{}{"agentA": "busy", "agentB": "idle"},
		},
		Diff: &Diff{Entries: []DiffEntry{
			{Path: "session.agentA", Op: OpUpdate, NewValue: "idle"},
			{Path: "session.agentB", Op: OpUpdate, NewValue: "busy"},
		}},
		PartialSelections: []PartialSelection{
			{Identifiers: []string{"session.agentA"}, Priority: 1},
		},
		ConflictResolution: ResolutionOverwrite,
		Engine:             NewDiffEngine(nil, 0),
	}

	strategy := PartialStrategy{}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)

	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Equal(t, "idle", session["agentA"])
	assert.Equal(t, "idle", session["agentB"])
}

func TestTimeBasedStrategyRequiresFilter(t *testing.T) {
	strategy := TimeBasedStrategy{}
	require.Error(t, strategy.Validate(&ExecutionContext{}))
}

func TestTimeBasedStrategyFiltersByMaxAge(t *testing.T) {
	ec := &ExecutionContext{
		Ctx:             context.Background(),
		CurrentState:    map[string]interface{}{"session": map[string]interface{}{}},
		TimebasedFilter: &TimebasedFilter{MaxChangeAge: time.Hour},
		Diff: &Diff{Entries: []DiffEntry{
			{Path: "session.recent", Op: OpCreate, NewValue: map[string]interface{}{"__timestamp": time.Now().Format(time.RFC3339Nano)}},
			{Path: "session.old", Op: OpCreate, NewValue: map[string]interface{}{"__timestamp": time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)}},
		}},
		ConflictResolution: ResolutionOverwrite,
		Engine:             NewDiffEngine(nil, 0),
	}

	strategy := TimeBasedStrategy{}
	require.NoError(t, strategy.Validate(ec))
	_, err := strategy.Execute(ec)
	require.NoError(t, err)

	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Contains(t, session, "recent")
	assert.NotContains(t, session, "old")
}

func TestDryRunStrategyProducesPreviewWithoutMutating(t *testing.T) {
	ec := &ExecutionContext{
		CurrentState: map[string]interface{}{"session": map[string]interface{}{"name": "alpha"}},
		Diff:         &Diff{Entries: []DiffEntry{{Path: "session.name", Op: OpUpdate, OldValue: "alpha", NewValue: "beta"}}},
		Engine:       NewDiffEngine(nil, 0),
	}

	strategy := DryRunStrategy{}
	preview, err := strategy.Execute(ec)
	require.NoError(t, err)
	require.NotNil(t, preview)

	assert.Equal(t, 1, preview.ChangeTypeHistogram[OpUpdate])
	session := ec.CurrentState["session"].(map[string]interface{})
	assert.Equal(t, "alpha", session["name"])
}

func TestAnalyzeDependenciesDetectsParentChild(t *testing.T) {
	diff := &Diff{Entries: []DiffEntry{
		{Path: "session", Op: OpUpdate},
		{Path: "session.agentA", Op: OpUpdate},
	}}

	required, circular := analyzeDependencies(diff)
	assert.Contains(t, required, "session")
	assert.Empty(t, circular)
}
