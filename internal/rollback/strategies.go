package rollback

import (
	"fmt"
	"sort"
	"time"
)

// applyToState runs diff against the full, kind-keyed current state
// (paths are "<kind>.<field>...") and replaces ec.CurrentState with the
// result, since a diff entry's top path segment selects the
// collaborator kind it belongs to.
func applyToState(ec *ExecutionContext, diff *Diff) error {
	if len(diff.Entries) == 0 {
		return nil
	}
	result, err := ec.Engine.Apply(ec.CurrentState, diff)
	if err != nil {
		return err
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("apply produced non-object state")
	}
	ec.CurrentState = m
	return nil
}

// ImmediateStrategy detects conflicts, resolves them per policy, and
// applies every diff entry in one pass.
type ImmediateStrategy struct{}

func (ImmediateStrategy) Name() string { return "immediate" }

func (ImmediateStrategy) Validate(ec *ExecutionContext) error { return nil }

func (ImmediateStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries)) * 10 * time.Millisecond
}

func (ImmediateStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	conflicts := detectConflicts(ec.Diff, ec.CurrentState)
	if _, err := resolveConflicts(ec, conflicts); err != nil {
		return nil, err
	}

	if err := applyToState(ec, ec.Diff); err != nil {
		return nil, err
	}

	ec.report(100)
	return nil, nil
}

// GradualStrategy splits the diff into batches, sleeping between each;
// only eligible when the diff has more than 5 entries.
type GradualStrategy struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
}

func (GradualStrategy) Name() string { return "gradual" }

func (s GradualStrategy) Validate(ec *ExecutionContext) error {
	if len(ec.Diff.Entries) <= 5 {
		return fmt.Errorf("gradual strategy requires more than 5 changes, got %d", len(ec.Diff.Entries))
	}
	return nil
}

func (s GradualStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	batches := (len(ec.Diff.Entries) + batchSize - 1) / batchSize
	return time.Duration(batches) * s.DelayBetweenBatches
}

func (s GradualStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	conflicts := detectConflicts(ec.Diff, ec.CurrentState)
	if _, err := resolveConflicts(ec, conflicts); err != nil {
		return nil, err
	}

	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	entries := ec.Diff.Entries
	for start := 0; start < len(entries); start += batchSize {
		select {
		case <-ec.Ctx.Done():
			return nil, ec.Ctx.Err()
		default:
		}

		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := &Diff{Entries: entries[start:end]}

		if err := applyToState(ec, batch); err != nil {
			return nil, err
		}

		ec.report(int(float64(end) / float64(len(entries)) * 100))

		if end < len(entries) && s.DelayBetweenBatches > 0 {
			select {
			case <-time.After(s.DelayBetweenBatches):
			case <-ec.Ctx.Done():
				return nil, ec.Ctx.Err()
			}
		}
	}

	return nil, nil
}

// SafeStrategy snapshots a safety backup before mutating, validates
// each change, and restores the backup if any step fails. Refuses
// rollbacks older than 7 days.
type SafeStrategy struct {
	Store *SnapshotStore
}

func (SafeStrategy) Name() string { return "safe" }

func (s SafeStrategy) Validate(ec *ExecutionContext) error {
	if time.Since(ec.TargetPoint.CreatedAt) > 7*24*time.Hour {
		return fmt.Errorf("rollback point %s is older than 7 days, safe strategy refuses", ec.TargetPoint.ID)
	}
	return nil
}

func (SafeStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries))*15*time.Millisecond + 50*time.Millisecond
}

func (s SafeStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	backupID := fmt.Sprintf("safety-%d", time.Now().UnixNano())
	backup, err := s.Store.Create(backupID, "safety", "full_state", ec.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("safety backup: %w", err)
	}

	conflicts := detectConflicts(ec.Diff, ec.CurrentState)
	if _, err := resolveConflicts(ec, conflicts); err != nil {
		return nil, err
	}

	ordered := append([]DiffEntry(nil), ec.Diff.Entries...)
	applied := 0
	for i, entry := range ordered {
		step := &Diff{Entries: []DiffEntry{entry}}
		if err := applyToState(ec, step); err != nil {
			ec.logf(fmt.Sprintf("verification failed at %s, restoring safety backup", entry.Path))
			if restored, restoreErr := s.Store.Restore(backup.ID); restoreErr == nil {
				if m, ok := restored.(map[string]interface{}); ok {
					ec.CurrentState = m
				}
			}
			return nil, fmt.Errorf("safe strategy failed at %s after applying %d/%d: %w", entry.Path, applied, len(ordered), err)
		}
		applied++
		ec.report(int(float64(i+1) / float64(len(ordered)) * 100))
	}

	return nil, nil
}

// ForceStrategy skips safety checks and applies aggressively.
type ForceStrategy struct{}

func (ForceStrategy) Name() string { return "force" }

func (ForceStrategy) Validate(ec *ExecutionContext) error { return nil }

func (ForceStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries)) * 5 * time.Millisecond
}

func (ForceStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	_ = applyToState(ec, ec.Diff)
	ec.report(100)
	return nil, nil
}

// PartialStrategy applies only the diff entries matched by
// PartialSelections, ordered by selection priority.
type PartialStrategy struct{}

func (PartialStrategy) Name() string { return "partial" }

func (PartialStrategy) Validate(ec *ExecutionContext) error {
	if len(ec.PartialSelections) == 0 {
		return fmt.Errorf("partial strategy requires at least one selection")
	}
	return nil
}

func (PartialStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries)) * 10 * time.Millisecond
}

func (PartialStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	selections := append([]PartialSelection(nil), ec.PartialSelections...)
	sort.Slice(selections, func(i, j int) bool { return selections[i].Priority > selections[j].Priority })

	var matched []DiffEntry
	seenPaths := make(map[string]bool)
	for _, sel := range selections {
		for _, entry := range ec.Diff.Entries {
			if !matchesSelection(entry, sel) {
				continue
			}
			if seenPaths[entry.Path] {
				continue // duplicate path across selections
			}
			seenPaths[entry.Path] = true
			matched = append(matched, entry)
		}
	}

	partial := &Diff{Entries: matched}
	conflicts := detectConflicts(partial, ec.CurrentState)
	if _, err := resolveConflicts(ec, conflicts); err != nil {
		return nil, err
	}

	if err := applyToState(ec, partial); err != nil {
		return nil, err
	}

	ec.report(100)
	return nil, nil
}

func matchesSelection(entry DiffEntry, sel PartialSelection) bool {
	for _, id := range sel.Identifiers {
		if entry.Path == id || hasPrefix(entry.Path, id) {
			for _, excl := range sel.Exclude {
				if entry.Path == excl {
					return false
				}
			}
			return true
		}
	}
	return false
}

func hasPrefix(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && (path[len(prefix)] == '.' || path[len(prefix)] == '[')
}

// TimeBasedStrategy filters and orders the diff by change timestamp,
// warning on near-simultaneous conflicting edits.
type TimeBasedStrategy struct{}

func (TimeBasedStrategy) Name() string { return "time-based" }

func (TimeBasedStrategy) Validate(ec *ExecutionContext) error {
	if ec.TimebasedFilter == nil {
		return fmt.Errorf("time-based strategy requires a filter")
	}
	return nil
}

func (TimeBasedStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries)) * 10 * time.Millisecond
}

func (TimeBasedStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	filter := ec.TimebasedFilter
	filtered := make([]DiffEntry, 0, len(ec.Diff.Entries))

	for _, entry := range ec.Diff.Entries {
		ts := extractTimestamp(entry)
		if filter.IncludeChangesAfter != nil && ts.Before(*filter.IncludeChangesAfter) {
			continue
		}
		if filter.ExcludeChangesAfter != nil && ts.After(*filter.ExcludeChangesAfter) {
			continue
		}
		if filter.MaxChangeAge > 0 && time.Since(ts) > filter.MaxChangeAge {
			continue
		}
		filtered = append(filtered, entry)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return extractTimestamp(filtered[i]).Before(extractTimestamp(filtered[j]))
	})

	for i := 1; i < len(filtered); i++ {
		gap := extractTimestamp(filtered[i]).Sub(extractTimestamp(filtered[i-1]))
		if gap < 60*time.Second && gap >= 0 {
			ec.logf(fmt.Sprintf("near-simultaneous edits within %s at %s and %s", gap, filtered[i-1].Path, filtered[i].Path))
		}
	}

	timeFiltered := &Diff{Entries: filtered}
	conflicts := detectConflicts(timeFiltered, ec.CurrentState)
	if _, err := resolveConflicts(ec, conflicts); err != nil {
		return nil, err
	}

	if err := applyToState(ec, timeFiltered); err != nil {
		return nil, err
	}

	ec.report(100)
	return nil, nil
}

func extractTimestamp(entry DiffEntry) time.Time {
	if m, ok := entry.NewValue.(map[string]interface{}); ok {
		if ts, ok := m["__timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// DryRunStrategy performs no mutation, producing a Preview instead.
type DryRunStrategy struct{}

func (DryRunStrategy) Name() string { return "dry-run" }

func (DryRunStrategy) Validate(ec *ExecutionContext) error { return nil }

func (DryRunStrategy) EstimateTime(ec *ExecutionContext) time.Duration {
	return time.Duration(len(ec.Diff.Entries)) * 2 * time.Millisecond
}

func (DryRunStrategy) Execute(ec *ExecutionContext) (*Preview, error) {
	conflicts := detectConflicts(ec.Diff, ec.CurrentState)

	histogram := map[Op]int{}
	paths := make([]string, 0, len(ec.Diff.Entries))
	for _, entry := range ec.Diff.Entries {
		histogram[entry.Op]++
		paths = append(paths, entry.Path)
	}

	required, circular := analyzeDependencies(ec.Diff)

	preview := &Preview{
		ChangeTypeHistogram: histogram,
		EstimatedDuration:   DryRunStrategy{}.EstimateTime(ec),
		Conflicts:           conflicts,
		AffectedPaths:       paths,
		RequiredDeps:        required,
		CircularDeps:        circular,
	}

	ec.report(100)
	return preview, nil
}

// analyzeDependencies treats a parent path as a dependency of every
// nested child path and detects cycles via DFS over that induced
// graph (a child can never legitimately depend on its own ancestor
// being applied after it, so any such edge found is circular).
func analyzeDependencies(diff *Diff) (required []string, circular []string) {
	deps := make(map[string][]string)
	for _, entry := range diff.Entries {
		for _, other := range diff.Entries {
			if other.Path != entry.Path && hasPrefix(other.Path, entry.Path) {
				deps[other.Path] = append(deps[other.Path], entry.Path)
				required = append(required, entry.Path)
			}
		}
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var dfs func(path string) bool
	dfs = func(path string) bool {
		if visiting[path] {
			circular = append(circular, path)
			return true
		}
		if visited[path] {
			return false
		}
		visiting[path] = true
		for _, dep := range deps[path] {
			dfs(dep)
		}
		visiting[path] = false
		visited[path] = true
		return false
	}
	for path := range deps {
		dfs(path)
	}

	return dedupeStrings(required), dedupeStrings(circular)
}

func dedupeStrings(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, v := range items {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
