package rollback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/sessioncore/internal/session"
)

func TestManagerCaptureFailureSnapshotCreatesRollbackPoint(t *testing.T) {
	collab := &fakeCollaborator{kind: "session", state: map[string]interface{}{"state": "broken"}}
	mgr, mr := newTestManager(t, collab)
	defer mr.Close()
	ctx := context.Background()

	events := []session.Event{{Seq: 1, Type: session.EventModified}}
	err := mgr.CaptureFailureSnapshot(ctx, "sess-1", events)
	require.NoError(t, err)

	points, err := mgr.ListRollbackPoints(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)

	point, err := mgr.GetRollbackPoint(ctx, points[0])
	require.NoError(t, err)
	assert.Equal(t, "failure-sess-1", point.Name)
	assert.Equal(t, "sess-1", point.Metadata["sessionId"])
	assert.Equal(t, true, point.Metadata["automatic"])
}
