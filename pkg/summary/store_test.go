package summary

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testSnapshot(patientID string, version int) *models.Snapshot {
	src := models.SourceReference{DocumentID: "doc-a", DocumentName: "a.pdf", ExtractionTimestamp: t0}
	entity := models.MedicalEntity{
		ID:          "e-1",
		Category:    models.CategoryAllergy,
		SemanticKey: "allergy:penicillin",
		Confidence:  0.7,
		Sources:     []models.SourceReference{src},
		Extractions: []models.Extraction{{Source: src, Confidence: 0.7}},
		Payload:     models.Payload{Allergy: &models.AllergyPayload{Allergen: "Penicillin"}},
	}
	return &models.Snapshot{
		ID:          "snap-" + patientID + "-" + strconv.Itoa(version),
		PatientID:   patientID,
		Version:     version,
		Entities:    map[models.Category][]models.MedicalEntity{models.CategoryAllergy: {entity}},
		Timeline:    []models.ClinicalEvent{{EntityRef: "e-1", Category: models.CategoryAllergy, SemanticKey: entity.SemanticKey, Label: "Penicillin", Undated: true}},
		Documents:   []models.DocumentRevision{{DocumentID: "doc-a", Digest: "d1"}},
		InputDigest: "digest",
		LastUpdated: t0,
	}
}

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Latest(ctx, "patient-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Commit(ctx, testSnapshot("patient-1", 1)))
	require.NoError(t, store.Commit(ctx, testSnapshot("patient-1", 2)))
	assert.ErrorIs(t, store.Commit(ctx, testSnapshot("patient-1", 2)), ErrVersionConflict)
	assert.ErrorIs(t, store.Commit(ctx, testSnapshot("patient-1", 5)), ErrVersionConflict)
	require.NoError(t, store.Commit(ctx, testSnapshot("patient-2", 1)))

	latest, err := store.Latest(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	require.Len(t, latest.AllEntities(), 1)
	assert.Equal(t, "Penicillin", latest.AllEntities()[0].Payload.Allergy.Allergen)

	first, err := store.Get(ctx, "patient-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	first.Timeline = nil

	again, err := store.Get(ctx, "patient-1", 1)
	require.NoError(t, err)
	assert.Len(t, again.Timeline, 1)

	_, err = store.Get(ctx, "patient-1", 3)
	assert.ErrorIs(t, err, ErrNotFound)

	infos, err := store.List(ctx, "patient-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 1, infos[0].Version)
	assert.Equal(t, 1, infos[1].Entities)
	assert.Equal(t, "digest", infos[1].InputDigest)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func newSQLiteRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "snapshots.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func TestRepositoryStore(t *testing.T) {
	storeContract(t, newSQLiteRepository(t))
}

func TestCachedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cached := NewCachedStore(NewMemoryStore(), client, time.Minute)
	storeContract(t, cached)
	assert.True(t, mr.Exists(latestKey("patient-1")))
	assert.True(t, mr.Exists(versionKey("patient-1", 1)))
}

func TestCachedStoreServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, inner.Commit(ctx, testSnapshot("patient-1", 1)))
	cached := NewCachedStore(inner, client, time.Minute)

	s, err := cached.Latest(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.True(t, mr.Exists(latestKey("patient-1")))

	require.NoError(t, cached.Invalidate(ctx, "patient-1"))
	assert.False(t, mr.Exists(latestKey("patient-1")))

	mr.Close()
	s, err = cached.Latest(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
}

func TestCachedStoreRecoversFromStaleLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	inner := NewMemoryStore()
	cached := NewCachedStore(inner, client, time.Minute)
	h := newHarness(t, cached)
	ctx := context.Background()

	h.ingest(t, "patient-1", doc("doc-a", 0, diagnosis("Hypertension")))
	first, err := h.engine.Aggregate(ctx, "patient-1")
	require.NoError(t, err)
	require.Equal(t, 1, first.Snapshot.Version)

	// a second replica with its own cache commits version 2
	require.NoError(t, inner.Commit(ctx, testSnapshot("patient-1", 2)))

	err = cached.Commit(ctx, testSnapshot("patient-1", 2))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.False(t, mr.Exists(latestKey("patient-1")))

	// warm the stale entry again and let the engine hit it
	staleLatest := first.Snapshot
	body, err := json.Marshal(staleLatest)
	require.NoError(t, err)
	require.NoError(t, mr.Set(latestKey("patient-1"), string(body)))

	h.ingest(t, "patient-1", doc("doc-b", time.Hour, diagnosis("Asthma")))
	res, err := h.engine.Aggregate(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Snapshot.Version)

	latest, err := cached.Latest(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
}

func TestEngineOnRepository(t *testing.T) {
	h := newHarness(t, newSQLiteRepository(t))
	h.ingest(t, "patient-1", doc("doc-a", 0, metformin("500mg")))
	h.ingest(t, "patient-1", doc("doc-b", time.Hour, metformin("850mg")))

	res, err := h.engine.Aggregate(context.Background(), "patient-1")
	require.NoError(t, err)
	conflicts, err := h.engine.Conflicts(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.Conflicts[0].ID, conflicts[0].ID)
}
