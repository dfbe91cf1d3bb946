package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coordcore/sessioncore/internal/kv"
)

const defaultRecentEvents = 50

// Store is the CRUD layer over session documents, wrapping EventLog and
// exposing pub/sub, per spec §4.4.
type Store struct {
	kv       kv.Facade
	log      *EventLog
	logger   *slog.Logger
	graceTTL time.Duration
}

func NewStore(facade kv.Facade, graceTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:       facade,
		log:      NewEventLog(facade),
		logger:   logger.With("component", "session_store"),
		graceTTL: graceTTL,
	}
}

// Create writes a fresh session document and initializes its event log.
func (s *Store) Create(ctx context.Context, sessionID, agentID string, opts CreateOptions) error {
	exists, err := s.kv.Exists(ctx, sessionKey(sessionID))
	if err != nil {
		return err
	}
	if exists {
		return ErrSessionExists(sessionID)
	}

	agentsJSON, _ := json.Marshal([]string{agentID})
	fields := map[string]string{
		"agentIds": string(agentsJSON),
		"state":    string(StateWorking),
		"events":   "0",
	}
	if opts.Metadata != nil {
		metaJSON, _ := json.Marshal(opts.Metadata)
		fields["metadata"] = string(metaJSON)
	}

	if err := s.kv.HSet(ctx, sessionKey(sessionID), fields); err != nil {
		return err
	}

	if err := s.log.InitSentinel(ctx, sessionID); err != nil {
		return err
	}

	if opts.TTL > 0 {
		if err := s.SetTTL(ctx, sessionID, opts.TTL); err != nil {
			return err
		}
	}

	if len(opts.InitialEntityIDs) > 0 {
		if err := s.log.Append(ctx, sessionID, Event{
			Seq:       1,
			Timestamp: time.Now().UTC(),
			Type:      EventStart,
			Actor:     agentID,
			ChangeInfo: &ChangeInfo{
				EntityIDs: opts.InitialEntityIDs,
				Operation: "start",
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

// Get loads the session document plus its most recent N events.
func (s *Store) Get(ctx context.Context, sessionID string) (*Document, []Event, error) {
	fields, err := s.kv.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, nil, err
	}
	if len(fields) == 0 {
		return nil, nil, ErrSessionNotFound(sessionID)
	}

	doc, err := documentFromFields(sessionID, fields)
	if err != nil {
		return nil, nil, err
	}

	events, err := s.log.Tail(ctx, sessionID, defaultRecentEvents)
	if err != nil {
		return nil, nil, err
	}

	return doc, events, nil
}

// Range exposes the full (or bounded) event history for sessionID,
// beyond the bounded tail Get returns, satisfying RangeReader for Bridge.
func (s *Store) Range(ctx context.Context, sessionID string, fromSeq, toSeq *int64) ([]Event, error) {
	return s.log.Range(ctx, sessionID, fromSeq, toSeq)
}

func documentFromFields(sessionID string, fields map[string]string) (*Document, error) {
	doc := &Document{SessionID: sessionID, State: State(fields["state"])}

	if v := fields["agentIds"]; v != "" {
		if err := json.Unmarshal([]byte(v), &doc.AgentIDs); err != nil {
			return nil, fmt.Errorf("corrupted agentIds for %s: %w", sessionID, err)
		}
	}
	if v := fields["events"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			doc.Events = n
		}
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("corrupted metadata for %s: %w", sessionID, err)
		}
	}

	return doc, nil
}

// Update partially patches the session document.
func (s *Store) Update(ctx context.Context, sessionID string, patch map[string]interface{}) error {
	exists, err := s.kv.Exists(ctx, sessionKey(sessionID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound(sessionID)
	}

	fields := make(map[string]string, len(patch))
	for k, v := range patch {
		switch vv := v.(type) {
		case string:
			fields[k] = vv
		default:
			encoded, err := json.Marshal(vv)
			if err != nil {
				return fmt.Errorf("marshal patch field %s: %w", k, err)
			}
			fields[k] = string(encoded)
		}
	}

	return s.kv.HSet(ctx, sessionKey(sessionID), fields)
}

// AddAgent adds agentID to the session's agent set, read-modify-write.
func (s *Store) AddAgent(ctx context.Context, sessionID, agentID string) error {
	doc, _, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	for _, id := range doc.AgentIDs {
		if id == agentID {
			return nil
		}
	}
	doc.AgentIDs = append(doc.AgentIDs, agentID)

	return s.Update(ctx, sessionID, map[string]interface{}{"agentIds": doc.AgentIDs})
}

// RemoveAgent removes agentID from the session's agent set; when the
// last agent leaves, the session is placed under a grace TTL instead of
// being deleted, so a rejoin remains possible.
func (s *Store) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	doc, _, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(doc.AgentIDs))
	for _, id := range doc.AgentIDs {
		if id != agentID {
			remaining = append(remaining, id)
		}
	}
	doc.AgentIDs = remaining

	if err := s.Update(ctx, sessionID, map[string]interface{}{"agentIds": doc.AgentIDs}); err != nil {
		return err
	}

	if len(remaining) == 0 {
		return s.SetTTL(ctx, sessionID, s.graceTTL)
	}
	return nil
}

// SetTTL applies EXPIRE to both the document hash and the event zset.
func (s *Store) SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := s.kv.Expire(ctx, sessionKey(sessionID), ttl); err != nil {
		return err
	}
	return s.kv.Expire(ctx, eventsKey(sessionID), ttl)
}

// Publish sends msg as JSON on the session's channel.
func (s *Store) Publish(ctx context.Context, sessionID string, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.kv.Publish(ctx, "session:"+sessionID, string(encoded))
}

// PublishGlobal sends msg as JSON on the shared lifecycle channel, used
// for cross-session notifications such as session creation.
func (s *Store) PublishGlobal(ctx context.Context, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.kv.Publish(ctx, globalChannel, string(encoded))
}

// Subscribe subscribes to the session's channel, invoking cb with each
// decoded Message until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, sessionID string, cb func(Message)) error {
	sub := s.kv.Subscribe(ctx, "session:"+sessionID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.logger.Error("dropping malformed session message", "session_id", sessionID, "error", err)
				continue
			}
			cb(msg)
		}
	}
}

// ListActive enumerates session:<id> keys (metadata hashes).
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "session:*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, "session:recovery") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(k, "session:"))
	}
	return ids, nil
}

// Stats samples up to sampleLimit session keys and aggregates coarse
// statistics. Per spec §9 this is an intentional estimate, not an exact
// count, to avoid an unbounded KEYS scan on a hot path.
func (s *Store) Stats(ctx context.Context, sampleLimit int) (*Stats, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	sampled := false
	if len(ids) > sampleLimit {
		ids = ids[:sampleLimit]
		sampled = true
	}

	stats := &Stats{ActiveSessions: int64(len(ids)), Sampled: sampled}
	agents := make(map[string]struct{})

	for _, id := range ids {
		doc, _, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		stats.TotalEvents += doc.Events
		for _, a := range doc.AgentIDs {
			agents[a] = struct{}{}
		}
		stats.ApproxMemory += int64(len(doc.SessionID) + len(doc.State))
	}
	stats.UniqueAgents = int64(len(agents))

	return stats, nil
}

// Cleanup sweeps session hashes with no TTL set (TTL == -1) and deletes
// both keys, treating them as abandoned.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	ids, err := s.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		ttl, err := s.kv.TTL(ctx, sessionKey(id))
		if err != nil {
			continue
		}
		if ttl == -1 {
			if err := s.kv.Del(ctx, sessionKey(id), eventsKey(id)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
