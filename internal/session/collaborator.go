package session

import (
	"context"
	"fmt"
)

// Snapshot is the point-in-time capture of every active session's
// metadata document and event log, the unit a rollback collaborator
// diffs against.
type Snapshot struct {
	Sessions map[string]SessionSnapshot `json:"sessions"`
}

// SessionSnapshot pairs one session's metadata with its full event log.
type SessionSnapshot struct {
	Document *Document `json:"document"`
	Events   []Event   `json:"events"`
}

// Collaborator adapts a Store into a rollback collaborator, contributing
// a "session" kind snapshot to every rollback point.
type Collaborator struct {
	store *Store
}

// NewCollaborator wraps store for rollback capture.
func NewCollaborator(store *Store) *Collaborator {
	return &Collaborator{store: store}
}

// Kind identifies this collaborator's snapshot namespace.
func (*Collaborator) Kind() string { return "session" }

// Capture snapshots every active session's document and event log.
func (c *Collaborator) Capture(ctx context.Context) (interface{}, error) {
	ids, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	sessions := make(map[string]SessionSnapshot, len(ids))
	for _, id := range ids {
		doc, events, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		sessions[id] = SessionSnapshot{Document: doc, Events: events}
	}

	return Snapshot{Sessions: sessions}, nil
}
