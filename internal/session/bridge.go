package session

import (
	"context"

	"github.com/coordcore/sessioncore/internal/kg"
)

// Reader is the read-only capability SessionBridge depends on, kept
// narrow so the bridge never holds a reference back into Manager and
// the two can be wired in either order without an import cycle.
type Reader interface {
	Get(ctx context.Context, sessionID string) (*Document, []Event, error)
	ListActive(ctx context.Context) ([]string, error)
}

// RangeReader additionally exposes the full event range, needed for
// Transitions and entity queries that must look past the default tail
// window returned by Get.
type RangeReader interface {
	Reader
	Range(ctx context.Context, sessionID string, fromSeq, toSeq *int64) ([]Event, error)
}

// Bridge answers cross-cutting, read-only questions over one or more
// sessions: state transitions, entity isolation, handoff context, and
// aggregate views, per spec §4.6.
type Bridge struct {
	reader RangeReader
	kg     kg.Client
}

// NewBridge wires the bridge's read dependencies. kgClient may be
// kg.Noop{} (or nil) when no knowledge-graph backend is configured; KG
// enrichment is then skipped rather than failing the call.
func NewBridge(reader RangeReader, kgClient kg.Client) *Bridge {
	return &Bridge{reader: reader, kg: kgClient}
}

// TransitionResult is one detected state transition between a pair of
// adjacent events, per spec §4.6.
type TransitionResult struct {
	SessionID string
	FromSeq   int64
	ToSeq     int64
	From      State
	To        State
	Reasons   []string
	KGContext []kg.Row
}

// Transitions scans adjacent event pairs in sessionID's full history and
// emits a TransitionResult for any pair matching one of the four rules
// in spec §4.6. If entityID is non-empty, only pairs whose later event's
// ChangeInfo references entityID are considered.
func (b *Bridge) Transitions(ctx context.Context, sessionID string, entityID string) ([]TransitionResult, error) {
	events, err := b.reader.Range(ctx, sessionID, nil, nil)
	if err != nil {
		return nil, err
	}

	results := make([]TransitionResult, 0)
	entitySet := make(map[string]struct{})

	for i := 1; i < len(events); i++ {
		prev, curr := events[i-1], events[i]

		if entityID != "" && !eventReferencesEntity(curr, entityID) {
			continue
		}

		var reasons []string
		if prev.StateTransition != nil && prev.StateTransition.To == StateWorking &&
			curr.StateTransition != nil && curr.StateTransition.To == StateBroken {
			reasons = append(reasons, "working_to_broken")
		}
		if prev.Type == EventTestPass && curr.Type == EventBroke {
			reasons = append(reasons, "test_regression")
		}
		if curr.Impact != nil && (curr.Impact.Severity == SeverityHigh || curr.Impact.Severity == SeverityCritical) {
			reasons = append(reasons, "high_severity_impact")
		}
		if curr.Impact != nil && curr.Impact.PerfDelta < -5 {
			reasons = append(reasons, "perf_regression")
		}
		if len(reasons) == 0 {
			continue
		}

		result := TransitionResult{
			SessionID: sessionID,
			FromSeq:   prev.Seq,
			ToSeq:     curr.Seq,
			Reasons:   reasons,
		}
		if curr.StateTransition != nil {
			result.From = curr.StateTransition.From
			result.To = curr.StateTransition.To
		}
		results = append(results, result)

		if curr.ChangeInfo != nil {
			for _, id := range curr.ChangeInfo.EntityIDs {
				entitySet[id] = struct{}{}
			}
		}
	}

	if b.kg != nil && len(entitySet) > 0 {
		entityIDs := make([]string, 0, len(entitySet))
		for id := range entitySet {
			entityIDs = append(entityIDs, id)
		}
		rows, err := b.kg.Query(ctx, entityContextCypher, map[string]interface{}{"entityIds": entityIDs})
		if err == nil {
			for i := range results {
				results[i].KGContext = rows
			}
		}
	}

	return results, nil
}

func eventReferencesEntity(e Event, entityID string) bool {
	return e.ChangeInfo != nil && containsString(e.ChangeInfo.EntityIDs, entityID)
}

const entityContextCypher = `MATCH (e) WHERE e.id IN $entityIds RETURN e`

const entityAnchorsCypher = `MATCH (e {id:$entityId}) UNWIND e.sessions AS anchor WITH anchor WHERE anchor.sessionId = $sessionId AND $agentId IN anchor.actors RETURN anchor`

const entityAnchoredSessionsCypher = `MATCH (e {id:$entityId}) UNWIND e.sessions AS anchor RETURN anchor.sessionId AS sessionId`

// IsolationResult is sessionID's history as seen by a single agent: its
// own events plus the per-entity knowledge-graph anchors it left on
// them, per spec §4.6.
type IsolationResult struct {
	SessionID      string
	AgentID        string
	Events         []Event
	EntityAnchors  map[string][]kg.Row
	TotalPerfDelta float64
}

// IsolateSession filters sessionID's events to those authored by
// agentID, collects the per-entity KG anchors that agent left on those
// entities within this session, and sums the isolated events' perf
// deltas.
func (b *Bridge) IsolateSession(ctx context.Context, sessionID, agentID string) (*IsolationResult, error) {
	events, err := b.reader.Range(ctx, sessionID, nil, nil)
	if err != nil {
		return nil, err
	}

	result := &IsolationResult{
		SessionID:     sessionID,
		AgentID:       agentID,
		Events:        make([]Event, 0),
		EntityAnchors: make(map[string][]kg.Row),
	}

	entitySet := make(map[string]struct{})
	for _, e := range events {
		if e.Actor != agentID {
			continue
		}
		result.Events = append(result.Events, e)
		if e.Impact != nil {
			result.TotalPerfDelta += e.Impact.PerfDelta
		}
		if e.ChangeInfo != nil {
			for _, id := range e.ChangeInfo.EntityIDs {
				entitySet[id] = struct{}{}
			}
		}
	}

	if b.kg != nil {
		for entityID := range entitySet {
			rows, err := b.kg.Query(ctx, entityAnchorsCypher, map[string]interface{}{
				"entityId":  entityID,
				"sessionId": sessionID,
				"agentId":   agentID,
			})
			if err != nil {
				continue
			}
			if len(rows) > 0 {
				result.EntityAnchors[entityID] = rows
			}
		}
	}

	return result, nil
}

// HandoffContext summarizes what an incoming agent needs to pick up
// sessionID: current state, active agents, and the most recent events.
type HandoffContext struct {
	SessionID  string
	State      State
	AgentIDs   []string
	RecentTail []Event
}

func (b *Bridge) HandoffContext(ctx context.Context, sessionID string, tailSize int) (*HandoffContext, error) {
	doc, events, err := b.reader.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if tailSize > 0 && tailSize < len(events) {
		events = events[len(events)-tailSize:]
	}

	return &HandoffContext{
		SessionID:  sessionID,
		State:      doc.State,
		AgentIDs:   doc.AgentIDs,
		RecentTail: events,
	}, nil
}

// QueryOptions filters the session ids QuerySessionsByEntity and
// Aggregates return.
type QueryOptions struct {
	AgentID string
	State   State
}

// QuerySessionsByEntity returns the union of KG-anchored sessions and
// active in-memory sessions referencing entityID, deduplicated and
// filtered by opts.
func (b *Bridge) QuerySessionsByEntity(ctx context.Context, entityID string, opts QueryOptions) ([]string, error) {
	matched := make(map[string]struct{})

	if b.kg != nil {
		rows, err := b.kg.Query(ctx, entityAnchoredSessionsCypher, map[string]interface{}{"entityId": entityID})
		if err == nil {
			for _, row := range rows {
				if sid, ok := row["sessionId"].(string); ok && sid != "" {
					matched[sid] = struct{}{}
				}
			}
		}
	}

	ids, err := b.reader.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, events, err := b.reader.Get(ctx, id)
		if err != nil {
			continue
		}
		for _, e := range events {
			if eventReferencesEntity(e, entityID) {
				matched[id] = struct{}{}
				break
			}
		}
	}

	result := make([]string, 0, len(matched))
	for id := range matched {
		if !b.passesFilter(ctx, id, opts) {
			continue
		}
		result = append(result, id)
	}
	return result, nil
}

func (b *Bridge) passesFilter(ctx context.Context, sessionID string, opts QueryOptions) bool {
	if opts.AgentID == "" && opts.State == "" {
		return true
	}
	doc, _, err := b.reader.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	if opts.AgentID != "" && !containsString(doc.AgentIDs, opts.AgentID) {
		return false
	}
	if opts.State != "" && doc.State != opts.State {
		return false
	}
	return true
}

// PerfImpact summarizes the perf-delta distribution across a set of
// sessions' events.
type PerfImpact struct {
	Total float64
	Avg   float64
	Worst float64 // most negative (largest regression) delta observed
}

// EntityBreakdown is one entity's contribution to an Aggregates call.
type EntityBreakdown struct {
	SessionCount int
	PerfDelta    float64
}

// AggregateView summarizes activity across the sessions touching the
// requested entities (or, if entityIDs is empty, every active session).
type AggregateView struct {
	TotalSessions int
	ActiveAgents  int
	Outcomes      map[State]int
	PerfImpact    PerfImpact
	PerEntity     map[string]EntityBreakdown
}

// Aggregates counts sessions, active agents, outcome distribution, and
// perf impact across the sessions touching any of entityIDs, per spec
// §4.6, along with a per-entity breakdown.
func (b *Bridge) Aggregates(ctx context.Context, entityIDs []string, opts QueryOptions) (*AggregateView, error) {
	view := &AggregateView{
		Outcomes:  make(map[State]int),
		PerEntity: make(map[string]EntityBreakdown),
	}

	sessionIDs := make(map[string]struct{})
	perEntitySessions := make(map[string]map[string]struct{})

	if len(entityIDs) == 0 {
		ids, err := b.reader.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if b.passesFilter(ctx, id, opts) {
				sessionIDs[id] = struct{}{}
			}
		}
	} else {
		for _, entityID := range entityIDs {
			ids, err := b.QuerySessionsByEntity(ctx, entityID, opts)
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				sessionIDs[id] = struct{}{}
				set[id] = struct{}{}
			}
			perEntitySessions[entityID] = set
		}
	}

	agents := make(map[string]struct{})
	var deltaSum float64
	var deltaCount int
	worst := 0.0

	for id := range sessionIDs {
		doc, events, err := b.reader.Get(ctx, id)
		if err != nil {
			continue
		}
		view.TotalSessions++
		view.Outcomes[doc.State]++
		for _, a := range doc.AgentIDs {
			agents[a] = struct{}{}
		}
		for _, e := range events {
			if e.Impact == nil {
				continue
			}
			deltaSum += e.Impact.PerfDelta
			deltaCount++
			if e.Impact.PerfDelta < worst {
				worst = e.Impact.PerfDelta
			}
		}
	}
	view.ActiveAgents = len(agents)
	view.PerfImpact.Total = deltaSum
	view.PerfImpact.Worst = worst
	if deltaCount > 0 {
		view.PerfImpact.Avg = deltaSum / float64(deltaCount)
	}

	for entityID, set := range perEntitySessions {
		breakdown := EntityBreakdown{SessionCount: len(set)}
		for id := range set {
			_, events, err := b.reader.Get(ctx, id)
			if err != nil {
				continue
			}
			for _, e := range events {
				if e.Impact != nil && eventReferencesEntity(e, entityID) {
					breakdown.PerfDelta += e.Impact.PerfDelta
				}
			}
		}
		view.PerEntity[entityID] = breakdown
	}

	return view, nil
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
