// Package conflict turns a rollback Conflict into a human-reviewable
// visual diff and, where possible, an automatically merged value.
package conflict

import "github.com/coordcore/sessioncore/internal/rollback"

// Mode selects how two conflicting values are rendered for review.
type Mode string

const (
	ModeJSON     Mode = "json"
	ModeLine     Mode = "line"
	ModeWord     Mode = "word"
	ModeChar     Mode = "char"
	ModeSemantic Mode = "semantic"
)

// LineType classifies one rendered diff line.
type LineType string

const (
	LineAdded    LineType = "added"
	LineRemoved  LineType = "removed"
	LineModified LineType = "modified"
	LineContext  LineType = "context"
)

// DiffLine is one line of a rendered visual diff.
type DiffLine struct {
	Type LineType `json:"type"`
	Text string   `json:"text"`
}

// Severity ranks how disruptive a conflict is to resolve.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Resolution is the rendered review material plus the resolver's
// verdict for one conflict.
type Resolution struct {
	Path            string               `json:"path"`
	Mode            Mode                 `json:"mode"`
	Lines           []DiffLine           `json:"lines"`
	Similarity      int                  `json:"similarity"` // 0..100
	Severity        Severity             `json:"severity"`
	AutoResolvable  bool                 `json:"autoResolvable"`
	MergeComplexity int                  `json:"mergeComplexity"`
	Conflict        rollback.Conflict    `json:"conflict"`
}
