package rollback

import (
	"context"
	"fmt"

	"github.com/coordcore/sessioncore/internal/session"
)

// CaptureFailureSnapshot satisfies session.FailureSnapshotter: when a
// checkpoint resolves broken, the session manager calls this to pin a
// rollback point against the session's state at the moment of failure,
// so an operator can roll back to just before things went wrong.
func (m *Manager) CaptureFailureSnapshot(ctx context.Context, sessionID string, events []session.Event) error {
	_, err := m.CreateRollbackPoint(ctx, fmt.Sprintf("failure-%s", sessionID),
		"automatic checkpoint captured on broken outcome",
		map[string]interface{}{
			"sessionId":  sessionID,
			"eventCount": len(events),
			"automatic":  true,
		})
	return err
}
