package summary

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// Store is the append-only snapshot log. Committed snapshots are never
// modified; Commit fails with ErrVersionConflict if the version exists.
type Store interface {
	Commit(ctx context.Context, snapshot *models.Snapshot) error
	Latest(ctx context.Context, patientID string) (*models.Snapshot, error)
	Get(ctx context.Context, patientID string, version int) (*models.Snapshot, error)
	List(ctx context.Context, patientID string) ([]models.SnapshotInfo, error)
}

// MemoryStore keeps encoded snapshots in process memory, so readers always
// get an independent copy.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][][]byte)}
}

func (m *MemoryStore) Commit(_ context.Context, snapshot *models.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot.Version != len(m.snapshots[snapshot.PatientID])+1 {
		return ErrVersionConflict
	}
	m.snapshots[snapshot.PatientID] = append(m.snapshots[snapshot.PatientID], body)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, patientID string) (*models.Snapshot, error) {
	m.mu.RLock()
	n := len(m.snapshots[patientID])
	m.mu.RUnlock()
	if n == 0 {
		return nil, ErrNotFound
	}
	return m.Get(ctx, patientID, n)
}

func (m *MemoryStore) Get(_ context.Context, patientID string, version int) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.snapshots[patientID]
	if version < 1 || version > len(log) {
		return nil, ErrNotFound
	}
	return decodeSnapshot(log[version-1])
}

func (m *MemoryStore) List(_ context.Context, patientID string) ([]models.SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SnapshotInfo, 0, len(m.snapshots[patientID]))
	for _, body := range m.snapshots[patientID] {
		s, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, infoOf(s))
	}
	return out, nil
}

func decodeSnapshot(body []byte) (*models.Snapshot, error) {
	var s models.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func infoOf(s *models.Snapshot) models.SnapshotInfo {
	return models.SnapshotInfo{
		PatientID:   s.PatientID,
		Version:     s.Version,
		InputDigest: s.InputDigest,
		Entities:    len(s.AllEntities()),
		Conflicts:   len(s.Conflicts),
		LastUpdated: s.LastUpdated,
	}
}
