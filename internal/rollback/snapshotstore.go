package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
)

// SnapshotStore holds deep-cloned, canonically-serialized captures in
// memory, indexed by rollback point, per spec §4.8.
type SnapshotStore struct {
	mu               sync.RWMutex
	snapshots        map[string]*Snapshot
	byRollbackPoint  map[string]map[string]struct{}
	totalSize        int64
	maxSnapshotSize  int64
}

func NewSnapshotStore(maxSnapshotSize int64) *SnapshotStore {
	if maxSnapshotSize <= 0 {
		maxSnapshotSize = 10 * 1024 * 1024
	}
	return &SnapshotStore{
		snapshots:       make(map[string]*Snapshot),
		byRollbackPoint: make(map[string]map[string]struct{}),
		maxSnapshotSize: maxSnapshotSize,
	}
}

// Create canonicalizes data, checksums it, and stores a deep clone,
// rejecting anything larger than maxSnapshotSize.
func (s *SnapshotStore) Create(id, rollbackPointID, kind string, data interface{}) (*Snapshot, error) {
	canonical := canonicalize(data)
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot %s: %w", id, err)
	}

	if int64(len(encoded)) > s.maxSnapshotSize {
		return nil, coorderrors.New(coorderrors.CodeInvalidArgument, "SNAPSHOT_TOO_LARGE").
			WithContext(map[string]interface{}{"snapshotId": id, "size": len(encoded), "max": s.maxSnapshotSize})
	}

	snap := &Snapshot{
		ID:              id,
		RollbackPointID: rollbackPointID,
		Kind:            kind,
		Data:            encoded,
		Checksum:        checksum(encoded),
		Size:            len(encoded),
		CreatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = snap
	if s.byRollbackPoint[rollbackPointID] == nil {
		s.byRollbackPoint[rollbackPointID] = make(map[string]struct{})
	}
	s.byRollbackPoint[rollbackPointID][id] = struct{}{}
	s.totalSize += int64(snap.Size)

	return snap, nil
}

// Get re-verifies the checksum before returning, failing
// SNAPSHOT_CORRUPTED on mismatch.
func (s *SnapshotStore) Get(id string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, coorderrors.New(coorderrors.CodeNotFound, "SNAPSHOT_NOT_FOUND").
			WithContext(map[string]interface{}{"snapshotId": id})
	}

	if checksum(snap.Data) != snap.Checksum {
		return nil, coorderrors.New(coorderrors.CodeInternal, "SNAPSHOT_CORRUPTED").
			WithContext(map[string]interface{}{"snapshotId": id})
	}

	return snap, nil
}

// Restore decodes and reverses the canonicalization of a snapshot's
// stored data.
func (s *SnapshotStore) Restore(id string) (interface{}, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if err := json.Unmarshal(snap.Data, &decoded); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}

	return decanonicalize(decoded), nil
}

// ListByRollbackPoint returns the snapshot ids attached to a point.
func (s *SnapshotStore) ListByRollbackPoint(rollbackPointID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byRollbackPoint[rollbackPointID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup deletes any snapshot not referenced by a point in liveIDs.
func (s *SnapshotStore) Cleanup(livePointIDs map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for pointID, snapIDs := range s.byRollbackPoint {
		if _, alive := livePointIDs[pointID]; alive {
			continue
		}
		for id := range snapIDs {
			if snap, ok := s.snapshots[id]; ok {
				s.totalSize -= int64(snap.Size)
				delete(s.snapshots, id)
				removed++
			}
		}
		delete(s.byRollbackPoint, pointID)
	}
	return removed
}

func (s *SnapshotStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSize
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize converts Maps, Sets, and Dates into a JSON-stable shape
// so that byte-for-byte serialization (and therefore checksums) is
// stable across roundtrips: Go maps already serialize deterministically
// via encoding/json's sorted-key behavior, but time.Time and any
// set-like (map[string]struct{}) value need an explicit tagged form.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return map[string]interface{}{"__type": "Date", "data": val.UTC().Format(time.RFC3339Nano)}
	case map[string]struct{}:
		entries := make([]string, 0, len(val))
		for k := range val {
			entries = append(entries, k)
		}
		sort.Strings(entries)
		return map[string]interface{}{"__type": "Set", "data": entries}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = canonicalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = canonicalize(vv)
		}
		return out
	default:
		return v
	}
}

func decanonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if typ, ok := val["__type"].(string); ok {
			switch typ {
			case "Date":
				if s, ok := val["data"].(string); ok {
					if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
						return t
					}
				}
				return val["data"]
			case "Set", "Map":
				return decanonicalize(val["data"])
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = decanonicalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = decanonicalize(vv)
		}
		return out
	default:
		return v
	}
}
