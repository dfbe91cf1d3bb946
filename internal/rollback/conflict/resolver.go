package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/coordcore/sessioncore/internal/rollback"
)

// Resolver renders conflicts for review and attempts automatic merges.
// It satisfies rollback.MergeResolver so a Manager can be wired to
// delegate ResolutionMerge conflicts here without rollback importing
// this package.
type Resolver struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewResolver() *Resolver {
	return &Resolver{dmp: diffmatchpatch.New()}
}

// SelectMode picks a rendering mode from the shape of the two values:
// structured values get a json diff, multi-line strings a line diff,
// strings of at most 12 characters a char diff, longer single-line
// strings a word diff, and any non-string scalar a semantic diff.
func (r *Resolver) SelectMode(current, rollbackValue interface{}) Mode {
	_, curIsMap := current.(map[string]interface{})
	_, rbIsMap := rollbackValue.(map[string]interface{})
	_, curIsArr := current.([]interface{})
	_, rbIsArr := rollbackValue.([]interface{})
	if curIsMap || rbIsMap || curIsArr || rbIsArr {
		return ModeJSON
	}

	curStr, curOK := current.(string)
	rbStr, rbOK := rollbackValue.(string)
	if !curOK || !rbOK {
		return ModeSemantic
	}
	if strings.Contains(curStr, "\n") || strings.Contains(rbStr, "\n") {
		return ModeLine
	}
	if len(curStr) <= 12 && len(rbStr) <= 12 {
		return ModeChar
	}
	return ModeWord
}

// VisualDiff renders current vs rollbackValue using the selected mode.
func (r *Resolver) VisualDiff(current, rollbackValue interface{}) ([]DiffLine, Mode) {
	mode := r.SelectMode(current, rollbackValue)

	switch mode {
	case ModeJSON:
		return r.jsonDiff(current, rollbackValue), mode
	case ModeSemantic:
		return []DiffLine{
			{Type: LineRemoved, Text: fmt.Sprintf("%v", current)},
			{Type: LineAdded, Text: fmt.Sprintf("%v", rollbackValue)},
		}, mode
	default:
		curStr, _ := current.(string)
		rbStr, _ := rollbackValue.(string)
		return r.textDiff(curStr, rbStr, mode), mode
	}
}

func (r *Resolver) jsonDiff(current, rollbackValue interface{}) []DiffLine {
	curJSON, _ := json.MarshalIndent(current, "", "  ")
	rbJSON, _ := json.MarshalIndent(rollbackValue, "", "  ")
	return r.textDiff(string(curJSON), string(rbJSON), ModeLine)
}

func (r *Resolver) textDiff(current, rollbackValue string, mode Mode) []DiffLine {
	var diffs []diffmatchpatch.Diff

	switch mode {
	case ModeLine:
		text1, text2, lineArray := r.dmp.DiffLinesToChars(current, rollbackValue)
		d := r.dmp.DiffMain(text1, text2, false)
		diffs = r.dmp.DiffCharsToLines(d, lineArray)
	default:
		diffs = r.dmp.DiffMain(current, rollbackValue, true)
	}

	lines := make([]DiffLine, 0, len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			lines = append(lines, DiffLine{Type: LineContext, Text: d.Text})
		case diffmatchpatch.DiffInsert:
			lines = append(lines, DiffLine{Type: LineAdded, Text: d.Text})
		case diffmatchpatch.DiffDelete:
			lines = append(lines, DiffLine{Type: LineRemoved, Text: d.Text})
		}
	}
	return lines
}

// Similarity scores 0..100 how alike two values are, via diff-match-
// patch's Levenshtein distance normalized by the longer value's length.
func (r *Resolver) Similarity(current, rollbackValue interface{}) int {
	curStr := stringify(current)
	rbStr := stringify(rollbackValue)

	if curStr == rbStr {
		return 100
	}

	maxLen := len(curStr)
	if len(rbStr) > maxLen {
		maxLen = len(rbStr)
	}
	if maxLen == 0 {
		return 100
	}

	diffs := r.dmp.DiffMain(curStr, rbStr, true)
	distance := r.dmp.DiffLevenshtein(diffs)

	score := 100 - (distance*100)/maxLen
	if score < 0 {
		score = 0
	}
	return score
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}

// Severity derives a conflict's severity from its kind and the
// similarity between the two values: a type mismatch is always high,
// otherwise severity falls as similarity drops.
func (r *Resolver) Severity(kind rollback.ConflictKind, similarity int) Severity {
	if kind == rollback.ConflictTypeMismatch {
		return SeverityHigh
	}
	switch {
	case similarity < 30:
		return SeverityCritical
	case similarity < 60:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsAutoResolvable reports whether a conflict is safe to merge without
// human input: value mismatches with high similarity, or missing-
// target conflicts (nothing to merge against).
func (r *Resolver) IsAutoResolvable(kind rollback.ConflictKind, similarity int) bool {
	switch kind {
	case rollback.ConflictMissingTarget:
		return true
	case rollback.ConflictValueMismatch:
		return similarity >= 60
	default:
		return false
	}
}

// MergeComplexity scores how hard a conflict is to reconcile: a flat
// per-kind base cost, plus size and object-breadth penalties.
func MergeComplexity(current, rollbackValue interface{}, kind rollback.ConflictKind) int {
	base := 25
	switch kind {
	case rollback.ConflictValueMismatch:
		base = 10
	case rollback.ConflictTypeMismatch:
		base = 50
	case rollback.ConflictDependency:
		base = 100
	}

	curSize := len(stringify(current))
	rbSize := len(stringify(rollbackValue))
	size := curSize
	if rbSize > size {
		size = rbSize
	}

	score := base + size/100

	if curMap, ok := current.(map[string]interface{}); ok {
		score += 5 * len(curMap)
	}
	if rbMap, ok := rollbackValue.(map[string]interface{}); ok {
		score += 5 * len(rbMap)
	}

	return score
}

// Resolve attempts an automatic merge, satisfying rollback.MergeResolver.
// Objects merge key-by-key (rollback value wins per key on conflict,
// recording reduced confidence); when one string is a prefix of the
// other the longer one is kept; everything else falls back to preferring the
// rollback (pre-change) value with low confidence, since no safe merge
// exists for scalar-vs-scalar mismatches.
func (r *Resolver) Resolve(current, rollbackValue interface{}, kind rollback.ConflictKind) (interface{}, int, error) {
	similarity := r.Similarity(current, rollbackValue)

	if !r.IsAutoResolvable(kind, similarity) && kind != rollback.ConflictValueMismatch {
		return nil, 0, fmt.Errorf("conflict kind %s is not auto-mergeable", kind)
	}

	curMap, curIsMap := current.(map[string]interface{})
	rbMap, rbIsMap := rollbackValue.(map[string]interface{})
	if curIsMap && rbIsMap {
		return r.mergeObjects(curMap, rbMap)
	}

	curStr, curIsStr := current.(string)
	rbStr, rbIsStr := rollbackValue.(string)
	if curIsStr && rbIsStr {
		return r.mergeStrings(curStr, rbStr, similarity)
	}

	// confidence decays linearly from the similarity score: a near-
	// identical scalar mismatch is a confident pick, a wildly
	// different one is not.
	confidence := similarity / 2
	return rollbackValue, confidence, nil
}

func (r *Resolver) mergeObjects(current, rollbackValue map[string]interface{}) (interface{}, int, error) {
	merged := make(map[string]interface{}, len(current)+len(rollbackValue))
	conflicts := 0
	total := 0

	for k, v := range current {
		merged[k] = v
	}
	for k, rv := range rollbackValue {
		total++
		if cv, exists := merged[k]; exists && !jsonEqual(cv, rv) {
			conflicts++
		}
		merged[k] = rv
	}

	confidence := 100
	if total > 0 {
		confidence = 100 - (conflicts*100)/total
	}
	return merged, confidence, nil
}

func (r *Resolver) mergeStrings(current, rollbackValue string, similarity int) (interface{}, int, error) {
	if strings.HasPrefix(rollbackValue, current) || strings.HasPrefix(current, rollbackValue) {
		if len(rollbackValue) > len(current) {
			return rollbackValue, 90, nil
		}
		return current, 90, nil
	}
	return rollbackValue, similarity / 2, nil
}

func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// BatchResolve groups conflicts by their path's top-level segment so a
// reviewer can approve or reject an entire collaborator kind at once.
func BatchResolve(conflicts []rollback.Conflict) map[string][]rollback.Conflict {
	groups := make(map[string][]rollback.Conflict)
	for _, c := range conflicts {
		top := c.Path
		if idx := strings.IndexAny(top, ".["); idx >= 0 {
			top = top[:idx]
		}
		groups[top] = append(groups[top], c)
	}
	return groups
}

// BatchKeys returns a batch's group keys in stable order.
func BatchKeys(groups map[string][]rollback.Conflict) []string {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
