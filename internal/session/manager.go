package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
	"github.com/coordcore/sessioncore/internal/kg"
	"github.com/coordcore/sessioncore/internal/kv"
	"github.com/coordcore/sessioncore/internal/metrics"
)

const globalChannel = "global:sessions"

// ManagerConfig tunes SessionManager behavior.
type ManagerConfig struct {
	DefaultTTL          time.Duration
	GraceTTL            time.Duration
	CheckpointInterval  int64 // emit a checkpoint every N events, in addition to explicit checkpoint events
	CheckpointWindow    int   // number of trailing events aggregated into a checkpoint
	EnableFailureSnapshots bool
}

// EmitOptions controls a single EmitEvent call.
type EmitOptions struct {
	ResetTTL bool
	Publish  bool
}

// DefaultEmitOptions matches spec §4.5's stated defaults (reset TTL and
// publish both true).
func DefaultEmitOptions() EmitOptions { return EmitOptions{ResetTTL: true, Publish: true} }

// FailureSnapshotter is invoked by Checkpoint when a checkpoint resolves
// broken and failure snapshots are enabled; it is a narrow seam onto the
// rollback subsystem without importing it directly.
type FailureSnapshotter interface {
	CaptureFailureSnapshot(ctx context.Context, sessionID string, events []Event) error
}

// Manager owns sequence allocation, join/leave, event emission, and
// checkpointing: the correctness-critical path per spec §4.5.
type Manager struct {
	store    *Store
	log      *EventLog
	kg       kg.Client
	snapshot FailureSnapshotter
	cfg      ManagerConfig
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]int64

	metrics *metrics.SessionMetrics
}

// SetMetrics wires a metrics.SessionMetrics instance; observations are
// skipped until this is called.
func (m *Manager) SetMetrics(sm *metrics.SessionMetrics) {
	m.metrics = sm
}

func NewManager(facade kv.Facade, store *Store, kgClient kg.Client, snapshotter FailureSnapshotter, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		log:      NewEventLog(facade),
		kg:       kgClient,
		snapshot: snapshotter,
		cfg:      cfg,
		logger:   logger.With("component", "session_manager"),
		counters: make(map[string]int64),
	}
}

// CreateSession generates a new session id, initializes local sequence
// state, and publishes a global lifecycle notification.
func (m *Manager) CreateSession(ctx context.Context, agentID string, opts CreateOptions) (string, error) {
	sessionID := "sess-" + uuid.NewString()

	if err := m.store.Create(ctx, sessionID, agentID, opts); err != nil {
		return "", err
	}

	initialSeq := int64(1)
	if len(opts.InitialEntityIDs) > 0 {
		// Store.Create already wrote a "start" event at seq=1 in this
		// case; the next EmitEvent must allocate seq=2, not collide.
		initialSeq = 2
	}
	m.mu.Lock()
	m.counters[sessionID] = initialSeq
	m.mu.Unlock()

	if err := m.store.PublishGlobal(ctx, Message{Type: "new", SessionID: sessionID, Actor: agentID}); err != nil {
		m.logger.Warn("failed to publish session creation", "session_id", sessionID, "error", err)
	}

	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.WithLabelValues(agentID).Inc()
		m.metrics.ActiveSessions.Inc()
	}

	return sessionID, nil
}

// Join adds agentID to the session and emits an internal handoff event
// recording the join.
func (m *Manager) Join(ctx context.Context, sessionID, agentID string) error {
	if _, _, err := m.store.Get(ctx, sessionID); err != nil {
		return err
	}

	if err := m.store.AddAgent(ctx, sessionID, agentID); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.AgentsJoinedTotal.WithLabelValues("active").Inc()
	}

	return m.EmitEvent(ctx, sessionID, Event{
		Type:  EventHandoff,
		Actor: agentID,
		ChangeInfo: &ChangeInfo{Operation: "join"},
	}, DefaultEmitOptions())
}

// Leave removes agentID from the session and emits a handoff event.
func (m *Manager) Leave(ctx context.Context, sessionID, agentID string) error {
	if err := m.store.RemoveAgent(ctx, sessionID, agentID); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.AgentsLeftTotal.WithLabelValues("active").Inc()
	}

	return m.EmitEvent(ctx, sessionID, Event{
		Type:  EventHandoff,
		Actor: agentID,
		ChangeInfo: &ChangeInfo{Operation: "leave"},
	}, DefaultEmitOptions())
}

// EmitEvent allocates the next seq for sessionID, persists the event,
// and optionally resets TTL / publishes / auto-checkpoints.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, event Event, opts EmitOptions) error {
	seq, err := m.nextSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	event.Seq = seq
	event.Timestamp = time.Now().UTC()

	appendStart := time.Now()
	err = m.log.Append(ctx, sessionID, event)
	if m.metrics != nil {
		m.metrics.EventAppendDuration.Observe(time.Since(appendStart).Seconds())
	}
	if err != nil {
		return ErrEventAddFailed(sessionID, err)
	}
	if m.metrics != nil {
		m.metrics.EventsAppendedTotal.WithLabelValues(string(event.Type)).Inc()
	}

	if opts.ResetTTL {
		if err := m.store.SetTTL(ctx, sessionID, m.cfg.DefaultTTL); err != nil {
			m.logger.Warn("failed to reset session ttl", "session_id", sessionID, "error", err)
		}
	}

	if opts.Publish {
		if err := m.store.Publish(ctx, sessionID, Message{
			Type:      "modified",
			SessionID: sessionID,
			Seq:       &event.Seq,
			Actor:     event.Actor,
		}); err != nil {
			m.logger.Warn("failed to publish session event", "session_id", sessionID, "error", err)
		}
	}

	if event.Type == EventCheckpoint || (m.cfg.CheckpointInterval > 0 && seq%m.cfg.CheckpointInterval == 0) {
		if _, err := m.Checkpoint(ctx, sessionID, CheckpointOptions{}); err != nil {
			m.logger.Error("auto-checkpoint failed", "session_id", sessionID, "error", err)
		}
	}

	return nil
}

// nextSeq allocates the next sequence number for sessionID under the
// manager's single mutex, which is shared by all sessions, so allocation
// for different sessions is serialized too. Allocation is centralized
// here so concurrent appends can
// never collide in the zset, per spec §4.3/§4.5.
func (m *Manager) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.counters[sessionID]
	if !ok {
		recovered, err := m.log.Count(ctx, sessionID)
		if err != nil {
			return 0, wrapSessionError(coorderrors.CodeInternal, sessionID, "failed to recover sequence counter", err)
		}
		seq = recovered + 1
		if m.metrics != nil {
			m.metrics.SequenceRecoveriesTotal.Inc()
		}
	}

	m.counters[sessionID] = seq + 1
	return seq, nil
}

// CheckpointOptions controls a single Checkpoint call.
type CheckpointOptions struct {
	CaptureFailureSnapshot bool
}

// Checkpoint aggregates the last CheckpointWindow events into a summary,
// anchors it onto the knowledge graph when configured, optionally
// captures a failure snapshot, sets a grace TTL, and publishes
// completion.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string, opts CheckpointOptions) (string, error) {
	start := time.Now()
	doc, _, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	window := m.cfg.CheckpointWindow
	if window <= 0 {
		window = 20
	}
	events, err := m.log.Tail(ctx, sessionID, int64(window))
	if err != nil {
		return "", ErrCheckpointFailed(sessionID, err)
	}

	checkpoint := aggregateCheckpoint(sessionID, doc.AgentIDs, events)
	checkpoint.CheckpointID = "chk-" + uuid.NewString()

	if m.kg != nil {
		if err := m.anchorCheckpoint(ctx, checkpoint); err != nil {
			m.logger.Warn("failed to anchor checkpoint to knowledge graph", "session_id", sessionID, "error", err)
		}
	}

	if (opts.CaptureFailureSnapshot || m.cfg.EnableFailureSnapshots) && checkpoint.Outcome == StateBroken && m.snapshot != nil {
		if err := m.snapshot.CaptureFailureSnapshot(ctx, sessionID, events); err != nil {
			m.logger.Error("failed to capture failure snapshot", "session_id", sessionID, "error", err)
		}
	}

	if err := m.store.SetTTL(ctx, sessionID, m.cfg.GraceTTL); err != nil {
		m.logger.Warn("failed to set grace ttl after checkpoint", "session_id", sessionID, "error", err)
	}

	if err := m.store.Publish(ctx, sessionID, Message{
		Type:         "checkpoint_complete",
		SessionID:    sessionID,
		CheckpointID: checkpoint.CheckpointID,
		Outcome:      checkpoint.Outcome,
	}); err != nil {
		m.logger.Warn("failed to publish checkpoint completion", "session_id", sessionID, "error", err)
	}

	if m.metrics != nil {
		m.metrics.CheckpointsCreatedTotal.WithLabelValues(string(checkpoint.Outcome)).Inc()
		m.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	}

	return checkpoint.CheckpointID, nil
}

func aggregateCheckpoint(sessionID string, agents []string, events []Event) Checkpoint {
	outcome := StateWorking
	impactSet := make(map[string]struct{})
	entityActorSets := make(map[string]map[string]struct{})
	var perfDelta float64

	for _, e := range events {
		if e.StateTransition != nil && e.StateTransition.To == StateBroken {
			outcome = StateBroken
		}
		if e.ChangeInfo != nil {
			for _, id := range e.ChangeInfo.EntityIDs {
				if entityActorSets[id] == nil {
					entityActorSets[id] = make(map[string]struct{})
				}
				if e.Actor != "" {
					entityActorSets[id][e.Actor] = struct{}{}
				}
			}
		}
		if e.Impact != nil {
			if e.Impact.Severity == SeverityHigh || e.Impact.Severity == SeverityCritical {
				if e.ChangeInfo != nil {
					for _, id := range e.ChangeInfo.EntityIDs {
						impactSet[id] = struct{}{}
					}
				}
			}
			perfDelta += e.Impact.PerfDelta
		}
	}

	impacts := make([]string, 0, len(impactSet))
	for id := range impactSet {
		impacts = append(impacts, id)
	}

	entityActors := make(map[string][]string, len(entityActorSets))
	for id, set := range entityActorSets {
		actors := make([]string, 0, len(set))
		for actor := range set {
			actors = append(actors, actor)
		}
		entityActors[id] = actors
	}

	return Checkpoint{
		SessionID:    sessionID,
		Outcome:      outcome,
		KeyImpacts:   impacts,
		EntityActors: entityActors,
		PerfDelta:    perfDelta,
		Agents:       agents,
		CreatedAt:    time.Now().UTC(),
	}
}

// anchorCheckpoint appends the checkpoint onto each affected entity's
// metadata.sessions list, keeping only the last 5 anchors. Each anchor
// carries the agents that touched the entity this window, so
// SessionBridge.IsolateSession can later ask "which anchors did agentId
// leave on this entity".
func (m *Manager) anchorCheckpoint(ctx context.Context, chk Checkpoint) error {
	for _, entityID := range chk.KeyImpacts {
		_, err := m.kg.Query(ctx, anchorCypher, map[string]interface{}{
			"entityId":     entityID,
			"sessionId":    chk.SessionID,
			"checkpointId": chk.CheckpointID,
			"outcome":      string(chk.Outcome),
			"actors":       chk.EntityActors[entityID],
			"keep":         5,
		})
		if err != nil {
			return fmt.Errorf("anchor entity %s: %w", entityID, err)
		}
	}
	return nil
}

const anchorCypher = `MERGE (e {id:$entityId}) SET e.sessions = coalesce(e.sessions, []) + [{sessionId:$sessionId, checkpointId:$checkpointId, outcome:$outcome, actors:$actors}] SET e.sessions = e.sessions[-$keep..]`
