package models

import (
	"sort"
	"strconv"
	"time"
)

type Category string

const (
	CategoryDiagnosis  Category = "diagnosis"
	CategoryMedication Category = "medication"
	CategoryProcedure  Category = "procedure"
	CategoryAllergy    Category = "allergy"
	CategoryLabTest    Category = "lab_test"
)

// Categories lists every supported category in canonical order.
func Categories() []Category {
	return []Category{
		CategoryDiagnosis,
		CategoryMedication,
		CategoryProcedure,
		CategoryAllergy,
		CategoryLabTest,
	}
}

func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryDiagnosis, CategoryMedication, CategoryProcedure, CategoryAllergy, CategoryLabTest:
		return Category(s), true
	case "labtest", "lab":
		return CategoryLabTest, true
	}
	return "", false
}

// Upstream extraction contract, produced by the document processing service.
type ExtractionResult struct {
	DocumentID   string      `json:"document_id"`
	DocumentName string      `json:"document_name"`
	PatientID    string      `json:"patient_id"`
	ExtractedAt  time.Time   `json:"extracted_at"`
	Entities     []RawEntity `json:"entities"`
}

type RawEntity struct {
	Category   string                 `json:"category"`
	Confidence *float64               `json:"confidence,omitempty"`
	PageNumber *int                   `json:"page_number,omitempty"`
	EventDate  string                 `json:"event_date,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Fields     map[string]interface{} `json:"fields"`
}

type SourceReference struct {
	DocumentID          string    `json:"document_id"`
	DocumentName        string    `json:"document_name"`
	PageNumber          *int      `json:"page_number,omitempty"`
	ExtractionTimestamp time.Time `json:"extraction_timestamp"`
}

// Key identifies the reference for de-duplication.
func (s SourceReference) Key() string {
	page := ""
	if s.PageNumber != nil {
		page = strconv.Itoa(*s.PageNumber)
	}
	return s.DocumentID + "\x00" + page + "\x00" + s.ExtractionTimestamp.UTC().Format(time.RFC3339Nano)
}

// Extraction is one contributing extraction of an entity and the confidence it was reported with.
type Extraction struct {
	Source     SourceReference `json:"source"`
	Confidence float64         `json:"confidence"`
}

type MedicalEntity struct {
	ID          string            `json:"id"`
	Category    Category          `json:"category"`
	SemanticKey string            `json:"semantic_key"`
	EventDate   PartialDate       `json:"event_date"`
	Confidence  float64           `json:"confidence"`
	Sources     []SourceReference `json:"sources"`
	Extractions []Extraction      `json:"extractions"`
	Status      string            `json:"status,omitempty"`
	Payload     Payload           `json:"payload"`

	// CanonicalName is the terminology-resolved form of the payload label.
	// The payload itself keeps the name as extracted.
	CanonicalName string `json:"canonical_name,omitempty"`
}

// EarliestExtraction returns the oldest extraction timestamp among the entity's sources.
func (e MedicalEntity) EarliestExtraction() time.Time {
	var earliest time.Time
	for i, src := range e.Sources {
		if i == 0 || src.ExtractionTimestamp.Before(earliest) {
			earliest = src.ExtractionTimestamp
		}
	}
	return earliest
}

// DocumentIDs returns the sorted distinct documents the entity was extracted from.
func (e MedicalEntity) DocumentIDs() []string {
	seen := make(map[string]struct{}, len(e.Sources))
	ids := make([]string, 0, len(e.Sources))
	for _, src := range e.Sources {
		if _, ok := seen[src.DocumentID]; ok {
			continue
		}
		seen[src.DocumentID] = struct{}{}
		ids = append(ids, src.DocumentID)
	}
	sort.Strings(ids)
	return ids
}

// UnionSources merges source sets, dropping exact duplicates, in a stable order.
func UnionSources(sets ...[]SourceReference) []SourceReference {
	seen := make(map[string]struct{})
	var out []SourceReference
	for _, set := range sets {
		for _, src := range set {
			k := src.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, src)
		}
	}
	SortSources(out)
	return out
}

func SortSources(sources []SourceReference) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if !a.ExtractionTimestamp.Equal(b.ExtractionTimestamp) {
			return a.ExtractionTimestamp.Before(b.ExtractionTimestamp)
		}
		return a.Key() < b.Key()
	})
}

type ClinicalEvent struct {
	Timestamp          time.Time   `json:"timestamp"`
	Date               PartialDate `json:"date"`
	Undated            bool        `json:"undated,omitempty"`
	EntityRef          string      `json:"entity_ref"`
	Category           Category    `json:"category"`
	SemanticKey        string      `json:"semantic_key"`
	Label              string      `json:"label"`
	EarliestExtraction time.Time   `json:"earliest_extraction"`
}

type Timeline struct {
	PatientID string          `json:"patient_id"`
	Version   int             `json:"version"`
	Events    []ClinicalEvent `json:"events"`
}

// ConflictValue is one distinct asserted variant of a disputed fact.
type ConflictValue struct {
	EntityIDs   []string    `json:"entity_ids"`
	Value       string      `json:"value"`
	Status      string      `json:"status,omitempty"`
	EventDate   PartialDate `json:"event_date"`
	Payload     Payload     `json:"payload"`
	DocumentIDs []string    `json:"document_ids"`
}

// ConflictResolution is recorded by human review outside this service.
type ConflictResolution struct {
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
	Note       string    `json:"note,omitempty"`
}

type Conflict struct {
	ID                string              `json:"id"`
	Category          Category            `json:"category"`
	SemanticKey       string              `json:"semantic_key"`
	Fields            []string            `json:"fields"`
	ConflictingValues []ConflictValue     `json:"conflicting_values"`
	Sources           []SourceReference   `json:"sources"`
	DetectedAt        time.Time           `json:"detected_at"`
	Resolution        *ConflictResolution `json:"resolution,omitempty"`
}

// DocumentRevision identifies the exact intake output a snapshot was built from.
type DocumentRevision struct {
	DocumentID string `json:"document_id"`
	Digest     string `json:"digest"`
}

type IngestFailure struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Attempts   int    `json:"attempts"`
}

type EntityRejection struct {
	DocumentID string   `json:"document_id"`
	Index      int      `json:"index"`
	Category   Category `json:"category,omitempty"`
	Field      string   `json:"field,omitempty"`
	Kind       string   `json:"kind"`
}

type GroupFailure struct {
	Category  Category `json:"category"`
	EntityIDs []string `json:"entity_ids"`
	Kind      string   `json:"kind"`
}

// Snapshot is one immutable, versioned aggregation result for a patient.
type Snapshot struct {
	ID             string                       `json:"id"`
	PatientID      string                       `json:"patient_id"`
	Version        int                          `json:"version"`
	Entities       map[Category][]MedicalEntity `json:"entities"`
	Timeline       []ClinicalEvent              `json:"timeline"`
	Conflicts      []Conflict                   `json:"conflicts"`
	Documents      []DocumentRevision           `json:"documents"`
	InputDigest    string                       `json:"input_digest"`
	Failures       []IngestFailure              `json:"failures,omitempty"`
	Rejections     []EntityRejection            `json:"rejections,omitempty"`
	ConflictErrors []GroupFailure               `json:"conflict_errors,omitempty"`
	LastUpdated    time.Time                    `json:"last_updated"`
}

// AllEntities flattens the snapshot's entities in category order.
func (s *Snapshot) AllEntities() []MedicalEntity {
	if s == nil {
		return nil
	}
	var out []MedicalEntity
	for _, cat := range Categories() {
		out = append(out, s.Entities[cat]...)
	}
	return out
}

// PartialSummary is returned instead of a snapshot when no valid entity could be assembled.
type PartialSummary struct {
	PatientID     string            `json:"patient_id"`
	Incomplete    bool              `json:"incomplete"`
	Reason        string            `json:"reason"`
	LatestVersion int               `json:"latest_version,omitempty"`
	Failures      []IngestFailure   `json:"failures,omitempty"`
	Rejections    []EntityRejection `json:"rejections,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

type SnapshotInfo struct {
	PatientID   string    `json:"patient_id"`
	Version     int       `json:"version"`
	InputDigest string    `json:"input_digest"`
	Entities    int       `json:"entities"`
	Conflicts   int       `json:"conflicts"`
	LastUpdated time.Time `json:"last_updated"`
}

type ModifiedEvent struct {
	Category    Category        `json:"category"`
	SemanticKey string          `json:"semantic_key"`
	Changes     []string        `json:"changes"`
	Before      []ClinicalEvent `json:"before"`
	After       []ClinicalEvent `json:"after"`
}

type TimelineDiff struct {
	PatientID      string          `json:"patient_id"`
	FromVersion    int             `json:"from_version"`
	ToVersion      int             `json:"to_version"`
	AddedEvents    []ClinicalEvent `json:"added_events"`
	ModifiedEvents []ModifiedEvent `json:"modified_events"`
	RemovedEvents  []ClinicalEvent `json:"removed_events"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// IsEmpty reports whether the diff has no additions, modifications or removals.
func (d TimelineDiff) IsEmpty() bool {
	return len(d.AddedEvents) == 0 && len(d.ModifiedEvents) == 0 && len(d.RemovedEvents) == 0
}
