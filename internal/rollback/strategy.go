package rollback

import (
	"context"
	"fmt"
	"time"
)

// ProgressFunc reports execution progress in 0..100.
type ProgressFunc func(progress int)

// LogFunc reports a human-readable execution log line.
type LogFunc func(msg string)

// MergeResolver is invoked for ResolutionMerge conflicts, delegating
// to the conflict subsystem without this package importing it
// directly.
type MergeResolver interface {
	Resolve(currentValue, rollbackValue interface{}, kind ConflictKind) (value interface{}, confidence int, err error)
}

// AskUserResolver is invoked for ResolutionAskUser conflicts.
type AskUserResolver func(ctx context.Context, conflict Conflict) (interface{}, error)

// ExecutionContext is handed to a strategy's Validate/Execute calls; it
// bundles everything spec §4.10 step 4 names so no strategy needs a
// reference back to Manager.
type ExecutionContext struct {
	Ctx                context.Context
	Operation          *Operation
	TargetPoint        *RollbackPoint
	Snapshots          []*Snapshot
	CurrentState       map[string]interface{} // kind -> current value in canonical JSON shape
	Diff               *Diff
	ConflictResolution ConflictResolution
	MergeResolver      MergeResolver
	AskUser            AskUserResolver
	Progress           ProgressFunc
	Log                LogFunc

	PartialSelections []PartialSelection
	TimebasedFilter   *TimebasedFilter
	DryRun            bool

	Engine *DiffEngine
}

// Strategy executes one rollback approach over an ExecutionContext.
type Strategy interface {
	Name() string
	Validate(ec *ExecutionContext) error
	EstimateTime(ec *ExecutionContext) time.Duration
	Execute(ec *ExecutionContext) (*Preview, error)
}

func (ec *ExecutionContext) report(progress int) {
	if ec.Progress != nil {
		ec.Progress(progress)
	}
}

func (ec *ExecutionContext) logf(msg string) {
	if ec.Log != nil {
		ec.Log(msg)
	}
}

// resolveConflicts applies ec.ConflictResolution to each conflict and
// returns an error when the policy rejects them (abort) or cannot run.
// The returned slice is always nil; no entries are filtered out here.
func resolveConflicts(ec *ExecutionContext, conflicts []Conflict) ([]Conflict, error) {
	if len(conflicts) == 0 {
		return nil, nil
	}

	switch ec.ConflictResolution {
	case ResolutionAbort, "":
		return nil, newRollbackConflictError(conflicts)
	case ResolutionSkip:
		ec.logf("skipping conflicting entries")
		return nil, nil
	case ResolutionOverwrite:
		return nil, nil
	case ResolutionMerge:
		if ec.MergeResolver == nil {
			return nil, ErrResolverRequired()
		}
		for _, c := range conflicts {
			merged, confidence, err := ec.MergeResolver.Resolve(c.CurrentValue, c.RollbackValue, c.Kind)
			if err != nil {
				return nil, fmt.Errorf("merge conflict at %s: %w", c.Path, err)
			}
			ec.logf(fmt.Sprintf("merged %s with confidence %d", c.Path, confidence))
			for i := range ec.Diff.Entries {
				if ec.Diff.Entries[i].Path == c.Path {
					ec.Diff.Entries[i].NewValue = merged
				}
			}
		}
		return nil, nil
	case ResolutionAskUser:
		if ec.AskUser == nil {
			return nil, ErrResolverRequired()
		}
		for _, c := range conflicts {
			if _, err := ec.AskUser(ec.Ctx, c); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		return nil, newRollbackConflictError(conflicts)
	}
}

// detectConflicts compares each diff entry's old value against the
// live current value at that path, flagging mismatches.
func detectConflicts(diff *Diff, current map[string]interface{}) []Conflict {
	conflicts := make([]Conflict, 0)
	for _, entry := range diff.Entries {
		liveVal, ok := lookupPath(current, entry.Path)
		if !ok {
			if entry.Op == OpDelete {
				conflicts = append(conflicts, Conflict{Path: entry.Path, Kind: ConflictMissingTarget, RollbackValue: entry.OldValue})
			}
			continue
		}
		if entry.Op == OpDelete || entry.Op == OpUpdate {
			if !valuesEqual(liveVal, entry.NewValue) && !valuesEqual(liveVal, entry.OldValue) {
				conflicts = append(conflicts, Conflict{
					Path:          entry.Path,
					Kind:          ConflictValueMismatch,
					CurrentValue:  liveVal,
					RollbackValue: entry.OldValue,
				})
			}
		}
	}
	return conflicts
}

func lookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	segments := parsePath(path)
	var cur interface{} = root
	for _, seg := range segments {
		if seg.isIdx {
			arr, ok := cur.([]interface{})
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[seg.key]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func valuesEqual(a, b interface{}) bool {
	return jsonEqual(a, b)
}
