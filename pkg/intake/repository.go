package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type documentModel struct {
	PatientID    string         `gorm:"primaryKey;column:patient_id"`
	DocumentID   string         `gorm:"primaryKey;column:document_id"`
	DocumentName string         `gorm:"column:document_name"`
	Status       string         `gorm:"column:status"`
	Digest       string         `gorm:"column:digest"`
	Entities     datatypes.JSON `gorm:"column:entities"`
	Rejections   datatypes.JSON `gorm:"column:rejections"`
	FailureKind  string         `gorm:"column:failure_kind"`
	Attempts     int            `gorm:"column:attempts"`
	LastAttempt  *time.Time     `gorm:"column:last_attempt"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (documentModel) TableName() string {
	return "intake_documents"
}

// Repository is the Postgres-backed Registry.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&documentModel{})
}

// Save upserts by (patient_id, document_id), so reprocessing a document
// replaces its earlier entities instead of adding to them.
func (r *Repository) Save(ctx context.Context, rec *DocumentRecord) error {
	entities, err := json.Marshal(rec.Entities)
	if err != nil {
		return err
	}
	rejections, err := json.Marshal(rec.Rejections)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	row := documentModel{
		PatientID:    rec.PatientID,
		DocumentID:   rec.DocumentID,
		DocumentName: rec.DocumentName,
		Status:       rec.Status,
		Digest:       rec.Digest,
		Entities:     datatypes.JSON(entities),
		Rejections:   datatypes.JSON(rejections),
		FailureKind:  rec.FailureKind,
		Attempts:     rec.Attempts,
		LastAttempt:  rec.LastAttempt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "patient_id"}, {Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"document_name", "status", "digest", "entities", "rejections",
			"failure_kind", "attempts", "last_attempt", "updated_at",
		}),
	}).Create(&row).Error
}

func (r *Repository) Get(ctx context.Context, patientID, documentID string) (*DocumentRecord, error) {
	var row documentModel
	result := r.db.WithContext(ctx).
		Where("patient_id = ? AND document_id = ?", patientID, documentID).
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return toRecord(row)
}

func (r *Repository) List(ctx context.Context, patientID string) ([]DocumentRecord, error) {
	var rows []documentModel
	if err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("document_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DocumentRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func toRecord(row documentModel) (*DocumentRecord, error) {
	rec := &DocumentRecord{
		PatientID:    row.PatientID,
		DocumentID:   row.DocumentID,
		DocumentName: row.DocumentName,
		Status:       row.Status,
		Digest:       row.Digest,
		FailureKind:  row.FailureKind,
		Attempts:     row.Attempts,
		LastAttempt:  row.LastAttempt,
		UpdatedAt:    row.UpdatedAt,
	}
	if len(row.Entities) > 0 {
		var entities []models.MedicalEntity
		if err := json.Unmarshal(row.Entities, &entities); err != nil {
			return nil, err
		}
		rec.Entities = entities
	}
	if len(row.Rejections) > 0 {
		var rejections []models.EntityRejection
		if err := json.Unmarshal(row.Rejections, &rejections); err != nil {
			return nil, err
		}
		rec.Rejections = rejections
	}
	return rec, nil
}
