package metrics

import (
	"testing"
	"time"
)

func TestSnapshotter_RecordAndRetrieve(t *testing.T) {
	s := NewSnapshotter(time.Hour, 7, func() SessionMetricsSnapshot {
		return SessionMetricsSnapshot{Timestamp: time.Now(), ActiveSessions: 3}
	})

	s.record(SessionMetricsSnapshot{Timestamp: time.Now(), ActiveSessions: 1})
	s.record(SessionMetricsSnapshot{Timestamp: time.Now(), ActiveSessions: 2})

	snaps := s.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Snapshots() len = %d, want 2", len(snaps))
	}

	latest, ok := s.Latest()
	if !ok {
		t.Fatal("Latest() ok = false, want true")
	}
	if latest.ActiveSessions != 2 {
		t.Errorf("Latest().ActiveSessions = %d, want 2", latest.ActiveSessions)
	}
}

func TestSnapshotter_LatestEmpty(t *testing.T) {
	s := NewSnapshotter(time.Hour, 7, func() SessionMetricsSnapshot { return SessionMetricsSnapshot{} })
	_, ok := s.Latest()
	if ok {
		t.Error("Latest() ok = true on empty snapshotter, want false")
	}
}

func TestSnapshotter_TrimsOldSamples(t *testing.T) {
	s := NewSnapshotter(time.Hour, 7, nil)
	s.retention = 10 * time.Millisecond

	s.record(SessionMetricsSnapshot{Timestamp: time.Now().Add(-time.Hour), ActiveSessions: 99})
	s.record(SessionMetricsSnapshot{Timestamp: time.Now(), ActiveSessions: 1})

	snaps := s.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("Snapshots() len = %d, want 1 after trim", len(snaps))
	}
	if snaps[0].ActiveSessions != 1 {
		t.Errorf("remaining snapshot ActiveSessions = %d, want 1", snaps[0].ActiveSessions)
	}
}

func TestSnapshotter_StartStop(t *testing.T) {
	calls := make(chan struct{}, 4)
	s := NewSnapshotter(5*time.Millisecond, 1, func() SessionMetricsSnapshot {
		select {
		case calls <- struct{}{}:
		default:
		}
		return SessionMetricsSnapshot{Timestamp: time.Now()}
	})

	s.Start()
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("snapshotter did not sample within timeout")
	}
	s.Stop()

	if len(s.Snapshots()) == 0 {
		t.Error("expected at least one recorded snapshot")
	}
}
