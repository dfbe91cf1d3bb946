package rollback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStoreCreateAndRestore(t *testing.T) {
	store := NewSnapshotStore(0)

	data := map[string]interface{}{
		"createdAt": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"name":      "alpha",
	}

	snap, err := store.Create("snap-1", "point-1", "session", data)
	require.NoError(t, err)
	assert.Equal(t, "point-1", snap.RollbackPointID)
	assert.NotEmpty(t, snap.Checksum)

	restored, err := store.Restore("snap-1")
	require.NoError(t, err)

	restoredMap, ok := restored.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alpha", restoredMap["name"])

	restoredTime, ok := restoredMap["createdAt"].(time.Time)
	require.True(t, ok)
	assert.True(t, data["createdAt"].(time.Time).Equal(restoredTime))
}

func TestSnapshotStoreRejectsOversizedData(t *testing.T) {
	store := NewSnapshotStore(10)

	_, err := store.Create("snap-big", "point-1", "session", map[string]interface{}{"field": "this value is far too long for the limit"})
	require.Error(t, err)
}

func TestSnapshotStoreGetDetectsCorruption(t *testing.T) {
	store := NewSnapshotStore(0)

	snap, err := store.Create("snap-1", "point-1", "session", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	snap.Checksum = "tampered"

	_, err = store.Get("snap-1")
	require.Error(t, err)
}

func TestSnapshotStoreListAndCleanup(t *testing.T) {
	store := NewSnapshotStore(0)

	_, err := store.Create("snap-a", "point-1", "session", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	_, err = store.Create("snap-b", "point-2", "session", map[string]interface{}{"y": 2})
	require.NoError(t, err)

	ids := store.ListByRollbackPoint("point-1")
	assert.Equal(t, []string{"snap-a"}, ids)

	removed := store.Cleanup(map[string]struct{}{"point-1": {}})
	assert.Equal(t, 1, removed)
	assert.Empty(t, store.ListByRollbackPoint("point-2"))
}

func TestSnapshotStoreCanonicalizesSet(t *testing.T) {
	store := NewSnapshotStore(0)

	data := map[string]interface{}{"tags": map[string]struct{}{"b": {}, "a": {}}}
	_, err := store.Create("snap-set", "point-1", "session", data)
	require.NoError(t, err)

	restored, err := store.Restore("snap-set")
	require.NoError(t, err)

	restoredMap := restored.(map[string]interface{})
	tags, ok := restoredMap["tags"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, tags)
}
