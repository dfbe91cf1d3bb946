package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
	"github.com/coordcore/sessioncore/internal/kv"
	"github.com/coordcore/sessioncore/internal/metrics"
)

// Collaborator captures a named slice of live state for snapshotting.
// Each registered collaborator contributes one Snapshot kind to every
// rollback point (e.g. "kg_entities", "kg_relationships", "session").
type Collaborator interface {
	Kind() string
	Capture(ctx context.Context) (interface{}, error)
}

const (
	pointKeyPrefix     = "rollback:point:"
	operationKeyPrefix = "rollback:operation:"
	pointIndexKey      = "rollback:points"
)

// Config tunes Manager defaults.
type Config struct {
	PointTTL            time.Duration
	MaxSnapshotSize     int64
	GradualBatchSize    int
	GradualBatchDelay   time.Duration
	DiffIgnoreProps     []string
	DiffMaxDepth        int
}

func defaultConfig() Config {
	return Config{
		PointTTL:          30 * 24 * time.Hour,
		MaxSnapshotSize:   10 * 1024 * 1024,
		GradualBatchSize:  10,
		GradualBatchDelay: 200 * time.Millisecond,
	}
}

// DefaultConfig exposes defaultConfig's values to callers assembling a
// partially-overridden Config, so overriding a couple of fields doesn't
// silently zero the rest (NewManager only falls back to defaults when
// cfg is nil, not when it's non-nil but partially populated).
func DefaultConfig() Config {
	return defaultConfig()
}

// Manager owns rollback point capture, diff generation, and rollback
// execution, generalized from a flat config-reload comparator into a
// multi-collaborator structural rollback engine.
type Manager struct {
	kv            kv.Facade
	snapshots     *SnapshotStore
	engine        *DiffEngine
	collaborators []Collaborator
	cfg           Config
	logger        *slog.Logger

	mu            sync.Mutex
	operations    map[string]*Operation
	mergeResolver MergeResolver
	askUser       AskUserResolver

	metrics *metrics.RollbackMetrics
}

// SetMetrics wires a metrics.RollbackMetrics instance; observations are
// skipped until this is called.
func (m *Manager) SetMetrics(rm *metrics.RollbackMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = rm
}

// SetMergeResolver wires the resolver invoked for ResolutionMerge
// conflicts. A nil resolver makes merge resolution fail per-rollback.
func (m *Manager) SetMergeResolver(r MergeResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeResolver = r
}

// SetAskUserResolver wires the callback invoked for ResolutionAskUser
// conflicts.
func (m *Manager) SetAskUserResolver(r AskUserResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.askUser = r
}

// NewManager wires a Manager against the KV facade and a set of state
// collaborators to snapshot. A nil cfg uses defaultConfig.
func NewManager(facade kv.Facade, collaborators []Collaborator, cfg *Config, logger *slog.Logger) *Manager {
	resolved := defaultConfig()
	if cfg != nil {
		resolved = *cfg
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		kv:            facade,
		snapshots:     NewSnapshotStore(resolved.MaxSnapshotSize),
		engine:        NewDiffEngine(resolved.DiffIgnoreProps, resolved.DiffMaxDepth),
		collaborators: collaborators,
		cfg:           resolved,
		logger:        logger.With("component", "rollback_manager"),
		operations:    make(map[string]*Operation),
	}
}

// CreateRollbackPoint captures a Snapshot from every registered
// collaborator and persists the point's metadata.
func (m *Manager) CreateRollbackPoint(ctx context.Context, name, description string, metadata map[string]interface{}) (*RollbackPoint, error) {
	id := "point-" + uuid.NewString()
	snapshotIDs := make([]string, 0, len(m.collaborators))

	for _, c := range m.collaborators {
		data, err := c.Capture(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", c.Kind(), err)
		}
		snap, err := m.snapshots.Create(fmt.Sprintf("%s-%s", id, c.Kind()), id, c.Kind(), data)
		if err != nil {
			return nil, err
		}
		snapshotIDs = append(snapshotIDs, snap.ID)
	}

	point := &RollbackPoint{
		ID:          id,
		Name:        name,
		Description: description,
		Metadata:    metadata,
		SnapshotIDs: snapshotIDs,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(m.cfg.PointTTL),
	}

	if err := m.persistPoint(ctx, point); err != nil {
		return nil, err
	}

	m.logger.Info("rollback point created", "pointId", id, "collaborators", len(m.collaborators))
	if m.metrics != nil {
		m.metrics.PointsCreatedTotal.Inc()
		m.metrics.SnapshotStoreBytes.Set(float64(m.snapshots.TotalSize()))
	}
	return point, nil
}

func (m *Manager) persistPoint(ctx context.Context, point *RollbackPoint) error {
	encoded, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("encode rollback point: %w", err)
	}
	if err := m.kv.HSet(ctx, pointKeyPrefix+point.ID, map[string]string{"data": string(encoded)}); err != nil {
		return err
	}
	if err := m.kv.Expire(ctx, pointKeyPrefix+point.ID, m.cfg.PointTTL); err != nil {
		m.logger.Warn("set rollback point ttl failed", "pointId", point.ID, "error", err)
	}
	return m.kv.ZAdd(ctx, pointIndexKey, kv.Member{Score: float64(point.CreatedAt.Unix()), Member: point.ID})
}

// GetRollbackPoint loads a previously-created point's metadata.
func (m *Manager) GetRollbackPoint(ctx context.Context, id string) (*RollbackPoint, error) {
	fields, err := m.kv.HGetAll(ctx, pointKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	raw, ok := fields["data"]
	if !ok || raw == "" {
		return nil, ErrRollbackPointNotFound(id)
	}
	var point RollbackPoint
	if err := json.Unmarshal([]byte(raw), &point); err != nil {
		return nil, fmt.Errorf("decode rollback point %s: %w", id, err)
	}
	return &point, nil
}

// ListRollbackPoints returns point ids ordered oldest-first.
func (m *Manager) ListRollbackPoints(ctx context.Context) ([]string, error) {
	return m.kv.ZRange(ctx, pointIndexKey, 0, -1)
}

// GenerateDiff captures fresh state from every collaborator and diffs
// it against the point's stored snapshots, per kind.
func (m *Manager) GenerateDiff(ctx context.Context, pointID string) (*Diff, error) {
	point, err := m.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}

	combined := &Diff{}
	for _, c := range m.collaborators {
		snapID := fmt.Sprintf("%s-%s", pointID, c.Kind())
		oldState, err := m.snapshots.Restore(snapID)
		if err != nil {
			return nil, fmt.Errorf("restore snapshot for %s: %w", c.Kind(), err)
		}

		newState, err := c.Capture(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", c.Kind(), err)
		}

		newCanonical := decanonicalize(canonicalizeViaJSON(newState))
		kindDiff := m.engine.Compare(oldState, newCanonical)
		for _, entry := range kindDiff.Entries {
			entry.Path = c.Kind() + "." + entry.Path
			combined.Entries = append(combined.Entries, entry)
		}
	}

	_ = point // point currently only gates existence; reserved for future per-point options

	if m.metrics != nil {
		m.metrics.DiffsGeneratedTotal.Inc()
		complexity := "small"
		switch {
		case len(combined.Entries) > 50:
			complexity = "large"
		case len(combined.Entries) > 10:
			complexity = "medium"
		}
		m.metrics.DiffEntriesTotal.WithLabelValues(complexity).Observe(float64(len(combined.Entries)))
	}

	return combined, nil
}

// canonicalizeViaJSON normalizes a Go value into plain
// map[string]interface{}/[]interface{}/primitive shape by round-tripping
// through canonicalize + JSON, so freshly captured state compares
// structurally identically to a restored snapshot.
func canonicalizeViaJSON(v interface{}) interface{} {
	encoded, err := json.Marshal(canonicalize(v))
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return v
	}
	return out
}

// strategyFor resolves the named strategy, or picks one heuristically
// when name is empty: a point older than a day uses safe, otherwise
// more than 50 changes uses gradual, otherwise immediate.
func (m *Manager) strategyFor(name string, diff *Diff, point *RollbackPoint) Strategy {
	switch name {
	case "immediate":
		return ImmediateStrategy{}
	case "gradual":
		return GradualStrategy{BatchSize: m.cfg.GradualBatchSize, DelayBetweenBatches: m.cfg.GradualBatchDelay}
	case "safe":
		return SafeStrategy{Store: m.snapshots}
	case "force":
		return ForceStrategy{}
	case "partial":
		return PartialStrategy{}
	case "time-based":
		return TimeBasedStrategy{}
	case "dry-run":
		return DryRunStrategy{}
	}

	switch {
	case time.Since(point.CreatedAt) > 24*time.Hour:
		return SafeStrategy{Store: m.snapshots}
	case len(diff.Entries) > 50:
		return GradualStrategy{BatchSize: m.cfg.GradualBatchSize, DelayBetweenBatches: m.cfg.GradualBatchDelay}
	default:
		return ImmediateStrategy{}
	}
}

// Rollback executes a rollback to pointID under opts, persisting
// operation state after every step.
func (m *Manager) Rollback(ctx context.Context, pointID string, opts RollbackOptions) (*Operation, error) {
	rollbackStart := time.Now()
	point, err := m.GetRollbackPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}

	diff, err := m.GenerateDiff(ctx, pointID)
	if err != nil {
		return nil, err
	}

	strategyName := opts.Strategy
	if opts.DryRun {
		strategyName = "dry-run"
	}
	strategy := m.strategyFor(strategyName, diff, point)

	op := &Operation{
		ID:                 "op-" + uuid.NewString(),
		RollbackPointID:    pointID,
		Strategy:           strategy.Name(),
		Status:             OperationPending,
		ConflictResolution: opts.ConflictResolution,
		DryRun:             opts.DryRun,
		CreatedAt:          time.Now().UTC(),
	}
	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()
	m.persistOperation(ctx, op)

	current := make(map[string]interface{}, len(m.collaborators))
	for _, c := range m.collaborators {
		state, err := c.Capture(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture current %s: %w", c.Kind(), err)
		}
		current[c.Kind()] = canonicalizeViaJSON(state)
	}

	m.mu.Lock()
	mergeResolver, askUser := m.mergeResolver, m.askUser
	m.mu.Unlock()
	if mergeResolver != nil && m.metrics != nil {
		mergeResolver = &countingMergeResolver{inner: mergeResolver, metric: m.metrics.ConflictsAutoMergedTotal}
	}

	ec := &ExecutionContext{
		Ctx:                ctx,
		Operation:          op,
		TargetPoint:        point,
		CurrentState:       current,
		Diff:               diff,
		ConflictResolution: opts.ConflictResolution,
		MergeResolver:      mergeResolver,
		AskUser:            askUser,
		PartialSelections:  opts.PartialSelections,
		TimebasedFilter:    opts.TimebasedFilter,
		DryRun:             opts.DryRun,
		Engine:             m.engine,
		Progress: func(progress int) {
			m.mu.Lock()
			op.Progress = progress
			m.mu.Unlock()
			m.persistOperation(ctx, op)
		},
		Log: func(msg string) {
			m.logger.Info("rollback step", "operationId", op.ID, "message", msg)
		},
	}

	if err := strategy.Validate(ec); err != nil {
		m.failOperation(ctx, op, err)
		return op, err
	}

	m.mu.Lock()
	op.Status = OperationInProgress
	m.mu.Unlock()
	m.persistOperation(ctx, op)

	preview, err := strategy.Execute(ec)
	if err != nil {
		if conflictErr, ok := err.(*RollbackConflictError); ok {
			m.mu.Lock()
			op.Conflicts = conflictErr.Conflicts
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.ConflictsTotal.WithLabelValues(string(opts.ConflictResolution)).Inc()
			}
		}
		m.failOperation(ctx, op, err)
		if m.metrics != nil {
			m.metrics.RollbacksExecutedTotal.WithLabelValues(strategy.Name(), "failed").Inc()
			m.metrics.RollbackDuration.WithLabelValues(strategy.Name()).Observe(time.Since(rollbackStart).Seconds())
		}
		return op, err
	}

	now := time.Now().UTC()
	m.mu.Lock()
	op.Status = OperationCompleted
	op.Progress = 100
	op.CompletedAt = &now
	m.mu.Unlock()
	m.persistOperation(ctx, op)

	if preview != nil {
		m.logger.Info("dry-run preview generated", "operationId", op.ID, "affectedPaths", len(preview.AffectedPaths))
	}

	if m.metrics != nil {
		m.metrics.RollbacksExecutedTotal.WithLabelValues(strategy.Name(), "completed").Inc()
		m.metrics.RollbackDuration.WithLabelValues(strategy.Name()).Observe(time.Since(rollbackStart).Seconds())
	}

	return op, nil
}

// countingMergeResolver wraps a MergeResolver to track how many merge
// conflicts were resolved automatically.
type countingMergeResolver struct {
	inner  MergeResolver
	metric interface{ Inc() }
}

func (c *countingMergeResolver) Resolve(currentValue, rollbackValue interface{}, kind ConflictKind) (interface{}, int, error) {
	value, confidence, err := c.inner.Resolve(currentValue, rollbackValue, kind)
	if err == nil && c.metric != nil {
		c.metric.Inc()
	}
	return value, confidence, err
}

func (m *Manager) failOperation(ctx context.Context, op *Operation, err error) {
	now := time.Now().UTC()
	m.mu.Lock()
	op.Status = OperationFailed
	op.Error = err.Error()
	op.CompletedAt = &now
	m.mu.Unlock()
	m.persistOperation(ctx, op)
	m.logger.Error("rollback failed", "operationId", op.ID, "error", err)
}

// CancelOperation marks a pending or in-progress operation cancelled.
func (m *Manager) CancelOperation(ctx context.Context, operationID string) error {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	m.mu.Unlock()
	if !ok {
		return ErrOperationNotFound(operationID)
	}

	m.mu.Lock()
	if op.Status == OperationCompleted || op.Status == OperationFailed {
		m.mu.Unlock()
		return coorderrors.New(coorderrors.CodeFailedPrecondition, "OPERATION_ALREADY_TERMINAL")
	}
	now := time.Now().UTC()
	op.Status = OperationCancelled
	op.CompletedAt = &now
	m.mu.Unlock()

	m.persistOperation(ctx, op)
	return nil
}

// GetOperation returns an in-memory operation's current state.
func (m *Manager) GetOperation(operationID string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[operationID]
	if !ok {
		return nil, ErrOperationNotFound(operationID)
	}
	return op, nil
}

func (m *Manager) persistOperation(ctx context.Context, op *Operation) {
	encoded, err := json.Marshal(op)
	if err != nil {
		m.logger.Warn("encode operation failed", "operationId", op.ID, "error", err)
		return
	}
	if err := m.kv.HSet(ctx, operationKeyPrefix+op.ID, map[string]string{"data": string(encoded)}); err != nil {
		m.logger.Warn("persist operation failed", "operationId", op.ID, "error", err)
	}
}
