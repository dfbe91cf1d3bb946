package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/sessioncore/internal/rollback"
)

func TestSelectModePicksJSONForStructuredValues(t *testing.T) {
	r := NewResolver()
	mode := r.SelectMode(map[string]interface{}{"a": 1}, map[string]interface{}{"a": 2})
	assert.Equal(t, ModeJSON, mode)
}

func TestSelectModePicksLineForMultilineStrings(t *testing.T) {
	r := NewResolver()
	mode := r.SelectMode("line one\nline two", "line one\nline three")
	assert.Equal(t, ModeLine, mode)
}

func TestSelectModePicksCharForShortStrings(t *testing.T) {
	r := NewResolver()
	mode := r.SelectMode("abc", "abd")
	assert.Equal(t, ModeChar, mode)
}

func TestSimilarityIdenticalValuesScoreMax(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, 100, r.Similarity("same", "same"))
}

func TestSimilarityDivergentValuesScoreLow(t *testing.T) {
	r := NewResolver()
	score := r.Similarity("completely different text here", "nothing alike whatsoever okay")
	assert.Less(t, score, 50)
}

func TestSeverityTypeMismatchIsAlwaysHigh(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, SeverityHigh, r.Severity(rollback.ConflictTypeMismatch, 95))
}

func TestSeverityFallsWithSimilarity(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, SeverityCritical, r.Severity(rollback.ConflictValueMismatch, 10))
	assert.Equal(t, SeverityMedium, r.Severity(rollback.ConflictValueMismatch, 45))
	assert.Equal(t, SeverityLow, r.Severity(rollback.ConflictValueMismatch, 90))
}

func TestIsAutoResolvableMissingTargetAlwaysTrue(t *testing.T) {
	r := NewResolver()
	assert.True(t, r.IsAutoResolvable(rollback.ConflictMissingTarget, 0))
}

func TestMergeComplexityScoresByKind(t *testing.T) {
	dep := MergeComplexity("a", "b", rollback.ConflictDependency)
	mismatch := MergeComplexity("a", "b", rollback.ConflictValueMismatch)
	assert.Greater(t, dep, mismatch)
}

func TestResolveMergesObjectsKeyByKey(t *testing.T) {
	r := NewResolver()
	current := map[string]interface{}{"a": 1, "b": 2}
	rollbackValue := map[string]interface{}{"b": 3, "c": 4}

	merged, confidence, err := r.Resolve(current, rollbackValue, rollback.ConflictValueMismatch)
	require.NoError(t, err)

	mergedMap := merged.(map[string]interface{})
	assert.Equal(t, float64(1), toFloat(mergedMap["a"]))
	assert.Equal(t, float64(3), toFloat(mergedMap["b"]))
	assert.Equal(t, float64(4), toFloat(mergedMap["c"]))
	assert.Less(t, confidence, 100)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func TestResolveRejectsNonMergeableDependencyConflict(t *testing.T) {
	r := NewResolver()
	_, _, err := r.Resolve("a", "b", rollback.ConflictDependency)
	require.Error(t, err)
}

func TestBatchResolveGroupsByTopPathSegment(t *testing.T) {
	conflicts := []rollback.Conflict{
		{Path: "session.agentA", Kind: rollback.ConflictValueMismatch},
		{Path: "session.agentB", Kind: rollback.ConflictValueMismatch},
		{Path: "kg_entities[0].name", Kind: rollback.ConflictValueMismatch},
	}

	groups := BatchResolve(conflicts)
	assert.Len(t, groups["session"], 2)
	assert.Len(t, groups["kg_entities"], 1)
	assert.Equal(t, []string{"kg_entities", "session"}, BatchKeys(groups))
}
