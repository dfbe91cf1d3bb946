package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/coordcore/sessioncore/internal/kv"
)

// sentinelMember is the zero-score member ensuring a session's events
// zset exists immediately at creation, per spec §4.3.
const sentinelMember = "INIT"

func eventsKey(sessionID string) string  { return "events:" + sessionID }
func sessionKey(sessionID string) string { return "session:" + sessionID }

// EventLog is the per-session ordered event stream backed by a Redis
// sorted set scored by seq.
type EventLog struct {
	kv kv.Facade
}

func NewEventLog(facade kv.Facade) *EventLog {
	return &EventLog{kv: facade}
}

// InitSentinel inserts the INIT member at score 0, making the zset exist
// before any real event is appended.
func (l *EventLog) InitSentinel(ctx context.Context, sessionID string) error {
	return l.kv.ZAdd(ctx, eventsKey(sessionID), kv.Member{Score: 0, Member: sentinelMember})
}

// Append stores event at its assigned seq and, if it carries a state
// transition, updates the session document's state in the same logical
// write.
func (l *EventLog) Append(ctx context.Context, sessionID string, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return ErrEventAddFailed(sessionID, err)
	}

	if err := l.kv.ZAdd(ctx, eventsKey(sessionID), kv.Member{
		Score:  float64(event.Seq),
		Member: string(encoded),
	}); err != nil {
		return ErrEventAddFailed(sessionID, err)
	}

	if event.StateTransition != nil && event.StateTransition.To != "" {
		if err := l.kv.HSet(ctx, sessionKey(sessionID), map[string]string{
			"state": string(event.StateTransition.To),
		}); err != nil {
			return ErrEventAddFailed(sessionID, err)
		}
	}

	return nil
}

// Range returns events with fromSeq <= seq <= toSeq (both optional,
// defaulting to the full range), sorted ascending by seq, with the
// sentinel filtered out.
func (l *EventLog) Range(ctx context.Context, sessionID string, fromSeq, toSeq *int64) ([]Event, error) {
	min, max := "-inf", "+inf"
	if fromSeq != nil {
		min = strconv.FormatInt(*fromSeq, 10)
	}
	if toSeq != nil {
		max = strconv.FormatInt(*toSeq, 10)
	}

	raw, err := l.kv.ZRangeByScore(ctx, eventsKey(sessionID), min, max)
	if err != nil {
		return nil, fmt.Errorf("range events for %s: %w", sessionID, err)
	}

	return decodeAndSort(raw)
}

// Tail returns the most recent n events (excluding the sentinel).
func (l *EventLog) Tail(ctx context.Context, sessionID string, n int64) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := l.kv.ZRange(ctx, eventsKey(sessionID), -(n + 1), -1)
	if err != nil {
		return nil, fmt.Errorf("tail events for %s: %w", sessionID, err)
	}
	events, err := decodeAndSort(raw)
	if err != nil {
		return nil, err
	}
	// The extra slot only covers the sentinel when the log is short; on a
	// longer log it holds one more real event, which is dropped here.
	if int64(len(events)) > n {
		events = events[int64(len(events))-n:]
	}
	return events, nil
}

// Count returns the number of real events (ZCARD minus the sentinel).
func (l *EventLog) Count(ctx context.Context, sessionID string) (int64, error) {
	card, err := l.kv.ZCard(ctx, eventsKey(sessionID))
	if err != nil {
		return 0, err
	}
	if card == 0 {
		return 0, nil
	}
	return card - 1, nil
}

func decodeAndSort(raw []string) ([]Event, error) {
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		if r == sentinelMember {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("corrupted event payload: %w", err)
		}
		events = append(events, e)
	}
	// Defensive sort: ZRANGEBYSCORE/ZRANGE already order by score, but we
	// re-sort because two seqs colliding in the zset (should never
	// happen once SessionManager centralizes allocation) must not be
	// silently trusted to storage order.
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}
