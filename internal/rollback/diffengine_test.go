package rollback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffEngineComparePrimitiveUpdate(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	diff := e.Compare(
		map[string]interface{}{"name": "alpha", "count": float64(1)},
		map[string]interface{}{"name": "beta", "count": float64(1)},
	)

	require.Len(t, diff.Entries, 1)
	assert.Equal(t, "name", diff.Entries[0].Path)
	assert.Equal(t, OpUpdate, diff.Entries[0].Op)
	assert.Equal(t, "alpha", diff.Entries[0].OldValue)
	assert.Equal(t, "beta", diff.Entries[0].NewValue)
}

func TestDiffEngineCompareCreateAndDelete(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	diff := e.Compare(
		map[string]interface{}{"gone": "x"},
		map[string]interface{}{"added": "y"},
	)

	byPath := map[string]DiffEntry{}
	for _, entry := range diff.Entries {
		byPath[entry.Path] = entry
	}

	require.Contains(t, byPath, "gone")
	assert.Equal(t, OpDelete, byPath["gone"].Op)
	require.Contains(t, byPath, "added")
	assert.Equal(t, OpCreate, byPath["added"].Op)
}

func TestDiffEngineCompareNestedObject(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	diff := e.Compare(
		map[string]interface{}{"agent": map[string]interface{}{"load": float64(1)}},
		map[string]interface{}{"agent": map[string]interface{}{"load": float64(2)}},
	)

	require.Len(t, diff.Entries, 1)
	assert.Equal(t, "agent.load", diff.Entries[0].Path)
}

func TestDiffEngineCompareArrayIndexPaths(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	diff := e.Compare(
		map[string]interface{}{"tags": []interface{}{"a", "b"}},
		map[string]interface{}{"tags": []interface{}{"a", "c", "d"}},
	)

	require.Len(t, diff.Entries, 2)
	assert.Equal(t, "tags[1]", diff.Entries[0].Path)
	assert.Equal(t, "tags[2]", diff.Entries[1].Path)
	assert.Equal(t, OpCreate, diff.Entries[1].Op)
}

func TestDiffEngineSanitizesSecretFields(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	diff := e.Compare(
		map[string]interface{}{"api_key": "old-secret"},
		map[string]interface{}{"api_key": "new-secret"},
	)

	require.Len(t, diff.Entries, 1)
	assert.Equal(t, "***REDACTED***", diff.Entries[0].OldValue)
	assert.Equal(t, "***REDACTED***", diff.Entries[0].NewValue)
}

func TestDiffEngineApplyRoundTrips(t *testing.T) {
	e := NewDiffEngine(nil, 0)
	oldState := map[string]interface{}{"name": "alpha", "tags": []interface{}{"a"}}
	newState := map[string]interface{}{"name": "beta", "tags": []interface{}{"a", "b"}}

	diff := e.Compare(oldState, newState)
	result, err := e.Apply(oldState, diff)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "beta", resultMap["name"])
}

func TestDiffEngineSummarizeBandsComplexity(t *testing.T) {
	e := NewDiffEngine(nil, 0)

	oldState := map[string]interface{}{}
	newState := map[string]interface{}{}
	for i := 0; i < 25; i++ {
		newState[keyFor(i)] = i
	}

	diff := e.Compare(oldState, newState)
	summary := e.Summarize(diff)
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, ComplexityMedium, summary.Complexity)
}

func keyFor(i int) string {
	return "field" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
