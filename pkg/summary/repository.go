package summary

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type snapshotModel struct {
	ID          string         `gorm:"primaryKey;column:id"`
	PatientID   string         `gorm:"column:patient_id;uniqueIndex:idx_patient_version;not null"`
	Version     int            `gorm:"column:version;uniqueIndex:idx_patient_version;not null"`
	InputDigest string         `gorm:"column:input_digest"`
	Entities    int            `gorm:"column:entity_count"`
	Conflicts   int            `gorm:"column:conflict_count"`
	Body        datatypes.JSON `gorm:"column:body"`
	LastUpdated time.Time      `gorm:"column:last_updated"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (snapshotModel) TableName() string {
	return "patient_snapshots"
}

// Repository is the Postgres-backed snapshot log. Rows are insert-only.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&snapshotModel{})
}

// Commit inserts the snapshot in one transaction. Either the whole snapshot
// becomes visible or nothing does.
func (r *Repository) Commit(ctx context.Context, snapshot *models.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	row := snapshotModel{
		ID:          snapshot.ID,
		PatientID:   snapshot.PatientID,
		Version:     snapshot.Version,
		InputDigest: snapshot.InputDigest,
		Entities:    len(snapshot.AllEntities()),
		Conflicts:   len(snapshot.Conflicts),
		Body:        datatypes.JSON(body),
		LastUpdated: snapshot.LastUpdated,
		CreatedAt:   time.Now().UTC(),
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&snapshotModel{}).
			Where("patient_id = ?", snapshot.PatientID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		if snapshot.Version != latest+1 {
			return ErrVersionConflict
		}
		return tx.Create(&row).Error
	})
}

func (r *Repository) Latest(ctx context.Context, patientID string) (*models.Snapshot, error) {
	var row snapshotModel
	result := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("version DESC").
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return decodeSnapshot(row.Body)
}

func (r *Repository) Get(ctx context.Context, patientID string, version int) (*models.Snapshot, error) {
	var row snapshotModel
	result := r.db.WithContext(ctx).
		Where("patient_id = ? AND version = ?", patientID, version).
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return decodeSnapshot(row.Body)
}

func (r *Repository) List(ctx context.Context, patientID string) ([]models.SnapshotInfo, error) {
	var rows []snapshotModel
	if err := r.db.WithContext(ctx).
		Select("patient_id", "version", "input_digest", "entity_count", "conflict_count", "last_updated").
		Where("patient_id = ?", patientID).
		Order("version ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.SnapshotInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.SnapshotInfo{
			PatientID:   row.PatientID,
			Version:     row.Version,
			InputDigest: row.InputDigest,
			Entities:    row.Entities,
			Conflicts:   row.Conflicts,
			LastUpdated: row.LastUpdated,
		})
	}
	return out, nil
}
