package intake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

const (
	StatusAccepted = "accepted"
	StatusIngested = "ingested"
	StatusFailed   = "failed"
)

// DocumentRecord is the intake state of one document. Entities are the
// document's current contribution; re-ingestion replaces them wholesale.
type DocumentRecord struct {
	PatientID    string                   `json:"patient_id"`
	DocumentID   string                   `json:"document_id"`
	DocumentName string                   `json:"document_name"`
	Status       string                   `json:"status"`
	Digest       string                   `json:"digest,omitempty"`
	Entities     []models.MedicalEntity   `json:"entities,omitempty"`
	Rejections   []models.EntityRejection `json:"rejections,omitempty"`
	FailureKind  string                   `json:"failure_kind,omitempty"`
	Attempts     int                      `json:"attempts"`
	LastAttempt  *time.Time               `json:"last_attempt,omitempty"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// Usable reports whether the record contributes entities to aggregation.
func (r DocumentRecord) Usable() bool {
	return r.Status == StatusIngested && r.Digest != ""
}

type Registry interface {
	Save(ctx context.Context, rec *DocumentRecord) error
	Get(ctx context.Context, patientID, documentID string) (*DocumentRecord, error)
	List(ctx context.Context, patientID string) ([]DocumentRecord, error)
}

// MemoryRegistry keeps document records in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]map[string]DocumentRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]map[string]DocumentRecord)}
}

func (m *MemoryRegistry) Save(_ context.Context, rec *DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDoc, ok := m.records[rec.PatientID]
	if !ok {
		byDoc = make(map[string]DocumentRecord)
		m.records[rec.PatientID] = byDoc
	}
	rec.UpdatedAt = time.Now().UTC()
	byDoc[rec.DocumentID] = cloneRecord(*rec)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, patientID, documentID string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[patientID][documentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *MemoryRegistry) List(_ context.Context, patientID string) ([]DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DocumentRecord, 0, len(m.records[patientID]))
	for _, rec := range m.records[patientID] {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func cloneRecord(rec DocumentRecord) DocumentRecord {
	rec.Entities = append([]models.MedicalEntity(nil), rec.Entities...)
	rec.Rejections = append([]models.EntityRejection(nil), rec.Rejections...)
	if rec.LastAttempt != nil {
		t := *rec.LastAttempt
		rec.LastAttempt = &t
	}
	return rec
}
