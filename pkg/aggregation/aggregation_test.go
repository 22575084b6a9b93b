package aggregation

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func source(doc string, offset time.Duration) models.SourceReference {
	return models.SourceReference{
		DocumentID:          doc,
		DocumentName:        doc + ".pdf",
		ExtractionTimestamp: base.Add(offset),
	}
}

func entity(id, doc string, offset time.Duration, confidence float64, key, date string, payload models.Payload) models.MedicalEntity {
	category, _ := payload.Category()
	d, err := models.ParsePartialDate(date)
	if err != nil {
		panic(err)
	}
	src := source(doc, offset)
	return models.MedicalEntity{
		ID:          id,
		Category:    category,
		SemanticKey: key,
		EventDate:   d,
		Confidence:  confidence,
		Sources:     []models.SourceReference{src},
		Extractions: []models.Extraction{{Source: src, Confidence: confidence}},
		Status:      "active",
		Payload:     payload,
	}
}

func metformin(dosage string) models.Payload {
	return models.Payload{Medication: &models.MedicationPayload{Name: "Metformin", Dosage: dosage, Frequency: "twice daily"}}
}

func diagnosis(condition string) models.Payload {
	return models.Payload{Diagnosis: &models.DiagnosisPayload{Condition: condition}}
}

func ptr(f float64) *float64 { return &f }

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(nil))
	assert.Equal(t, 0.0, ClampConfidence(ptr(-0.2)))
	assert.Equal(t, 0.0, ClampConfidence(ptr(1.5)))
	assert.Equal(t, 0.0, ClampConfidence(ptr(math.NaN())))
	assert.Equal(t, 0.75, ClampConfidence(ptr(0.75)))
	assert.Equal(t, 1.0, ClampConfidence(ptr(1)))
}

func TestCoalescedConfidenceIsMaximum(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.6, "diagnosis:hypertension", "", diagnosis("Hypertension"))
	b := entity("b-0", "doc-b", time.Hour, 0.9, "diagnosis:hypertension", "", diagnosis("hypertension"))

	agg := Aggregate("patient-1", []models.MedicalEntity{a, b})
	require.Len(t, agg.ByCategory[models.CategoryDiagnosis], 1)

	merged := agg.ByCategory[models.CategoryDiagnosis][0]
	assert.Equal(t, 0.9, merged.Confidence)
	assert.Len(t, merged.Sources, 2)
	assert.Equal(t, []string{"doc-a", "doc-b"}, merged.DocumentIDs())
	assert.Equal(t, "Hypertension", merged.Payload.Diagnosis.Condition)
}

func TestCorroborationNeverLowersConfidence(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.9, "allergy:penicillin", "", models.Payload{Allergy: &models.AllergyPayload{Allergen: "Penicillin"}})
	b := entity("b-0", "doc-b", time.Hour, 0.1, "allergy:penicillin", "", models.Payload{Allergy: &models.AllergyPayload{Allergen: "Penicillin"}})

	agg := Aggregate("patient-1", []models.MedicalEntity{b, a})
	require.Equal(t, 1, agg.Count())
	assert.Equal(t, 0.9, agg.All()[0].Confidence)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	entities := []models.MedicalEntity{
		entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", time.Hour, 0.7, "medication:metformin@2024-01-10", "2024-01-10", metformin("850mg")),
		entity("b-1", "doc-b", time.Hour, 0.5, "diagnosis:hypertension", "2019", diagnosis("Hypertension")),
	}
	reversed := []models.MedicalEntity{entities[2], entities[1], entities[0]}

	first, err := json.Marshal(Aggregate("p", entities).All())
	require.NoError(t, err)
	second, err := json.Marshal(Aggregate("p", reversed).All())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestMetforminDosageConflict(t *testing.T) {
	key := "medication:metformin@2024-01-10"
	a := entity("a-0", "doc-a", 0, 0.8, key, "2024-01-10", metformin("500mg"))
	b := entity("b-0", "doc-b", time.Hour, 0.8, key, "2024-01-10", metformin("850mg"))

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	require.Len(t, r.Conflicts, 1)

	c := r.Conflicts[0]
	assert.Equal(t, models.CategoryMedication, c.Category)
	assert.Equal(t, key, c.SemanticKey)
	assert.Equal(t, []string{"dosage"}, c.Fields)
	require.Len(t, c.ConflictingValues, 2)
	assert.Equal(t, "500mg", c.ConflictingValues[0].Value)
	assert.Equal(t, "850mg", c.ConflictingValues[1].Value)
	assert.Len(t, c.Sources, 2)
	assert.Nil(t, c.Resolution)

	// both variants survive as separate records
	assert.Len(t, r.ByCategory[models.CategoryMedication], 2)
	assert.Len(t, r.Timeline, 2)
}

func TestAliasNamesCoalesce(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.7, "diagnosis:hypertension", "", diagnosis("HTN"))
	a.CanonicalName = "hypertension"
	b := entity("b-0", "doc-b", time.Hour, 0.9, "diagnosis:hypertension", "", diagnosis("Hypertension"))
	b.CanonicalName = "hypertension"

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	assert.Empty(t, r.Conflicts)
	require.Len(t, r.ByCategory[models.CategoryDiagnosis], 1)
	merged := r.ByCategory[models.CategoryDiagnosis][0]
	assert.Equal(t, 0.9, merged.Confidence)
	assert.Len(t, merged.Sources, 2)
}

func TestAliasNamesStillConflictOnOtherFields(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg"))
	a.CanonicalName = "metformin"
	b := entity("b-0", "doc-b", time.Hour, 0.8, "medication:metformin@2024-01-10", "2024-01-10", models.Payload{
		Medication: &models.MedicationPayload{Name: "Glucophage", Dosage: "1000mg", Frequency: "twice daily"},
	})
	b.CanonicalName = "metformin"

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	require.Len(t, r.Conflicts, 1)
	assert.Equal(t, []string{"dosage"}, r.Conflicts[0].Fields)
}

func TestSingleDocumentDivergenceIsNotConflict(t *testing.T) {
	key := "lab_test:hemoglobin a1c@2024-02-01"
	lab := func(v string) models.Payload {
		return models.Payload{LabTest: &models.LabTestPayload{TestName: "HbA1c", Value: v, Unit: "%"}}
	}
	a := entity("a-0", "doc-a", 0, 0.9, key, "2024-02-01", lab("7.1"))
	b := entity("a-1", "doc-a", 0, 0.4, key, "2024-02-01", lab("71"))

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	assert.Empty(t, r.Conflicts)
	assert.Len(t, r.ByCategory[models.CategoryLabTest], 2)
}

func TestDifferentDatesAreNotConflict(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.9, "diagnosis:hypertension", "2019", diagnosis("Hypertension"))
	b := entity("b-0", "doc-b", time.Hour, 0.9, "diagnosis:hypertension", "2023-05", diagnosis("Hypertension"))

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	assert.Empty(t, r.Conflicts)
	assert.Len(t, r.ByCategory[models.CategoryDiagnosis], 2)
}

func TestStatusDivergenceIsConflict(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.9, "diagnosis:asthma", "", diagnosis("Asthma"))
	b := entity("b-0", "doc-b", time.Hour, 0.9, "diagnosis:asthma", "", diagnosis("Asthma"))
	b.Status = "resolved"

	r := Reconcile("patient-1", []models.MedicalEntity{a, b}, base)
	require.Len(t, r.Conflicts, 1)
	assert.Equal(t, []string{"status"}, r.Conflicts[0].Fields)
	assert.Equal(t, "active", r.Conflicts[0].ConflictingValues[0].Value)
	assert.Equal(t, "resolved", r.Conflicts[0].ConflictingValues[1].Value)
}

func TestUnparseableGroupIsExcluded(t *testing.T) {
	good := []models.MedicalEntity{
		entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", time.Hour, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("850mg")),
	}
	broken := entity("a-1", "doc-a", 0, 0.8, "diagnosis:gout", "", diagnosis("Gout"))
	other := entity("b-1", "doc-b", time.Hour, 0.8, "diagnosis:gout", "", models.Payload{})
	other.Category = models.CategoryDiagnosis

	r := Reconcile("patient-1", append(good, broken, other), base)
	require.Len(t, r.Conflicts, 1)
	assert.Equal(t, models.CategoryMedication, r.Conflicts[0].Category)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, KindUnparseablePayload, r.Failures[0].Kind)
	assert.NotContains(t, r.Failures[0].Error(), "gout")
	assert.ErrorIs(t, r.Failures[0], ErrConflictAnalysis)
}

func TestConflictsSortedAndStable(t *testing.T) {
	entities := []models.MedicalEntity{
		entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", time.Hour, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("850mg")),
		entity("a-1", "doc-a", 0, 0.8, "diagnosis:asthma", "", diagnosis("Asthma")),
		entity("b-1", "doc-b", time.Hour, 0.8, "diagnosis:asthma", "", diagnosis("Asthma")),
	}
	entities[3].Status = "resolved"

	first := Reconcile("p", entities, base)
	second := Reconcile("p", []models.MedicalEntity{entities[3], entities[2], entities[1], entities[0]}, base)
	require.Len(t, first.Conflicts, 2)
	assert.Equal(t, models.CategoryDiagnosis, first.Conflicts[0].Category)
	assert.Equal(t, models.CategoryMedication, first.Conflicts[1].Category)
	assert.Equal(t, first.Conflicts, second.Conflicts)
}

func TestTimelineOrdering(t *testing.T) {
	entities := []models.MedicalEntity{
		entity("e1", "doc-a", 0, 0.8, "diagnosis:b", "", diagnosis("B")),
		entity("e2", "doc-a", 0, 0.8, "diagnosis:c", "2024-01-15", diagnosis("C")),
		entity("e3", "doc-a", 0, 0.8, "diagnosis:d", "2024-01", diagnosis("D")),
		entity("e4", "doc-b", time.Hour, 0.8, "diagnosis:a", "2024-01-15", diagnosis("A")),
		entity("e5", "doc-a", 0, 0.8, "diagnosis:e", "2023", diagnosis("E")),
		entity("e6", "doc-a", 0, 0.8, "diagnosis:a", "2024-01-15", diagnosis("A2")),
	}

	events := BuildTimeline(entities)
	var refs []string
	for _, ev := range events {
		refs = append(refs, ev.EntityRef)
	}
	// 2023, 2024-01, then 2024-01-15 by extraction time then key, undated last
	assert.Equal(t, []string{"e5", "e3", "e6", "e2", "e4", "e1"}, refs)
	assert.True(t, events[len(events)-1].Undated)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), events[1].Timestamp)
}

func TestTimelineDeterminism(t *testing.T) {
	entities := []models.MedicalEntity{
		entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("850mg")),
		entity("b-1", "doc-b", 0, 0.2, "diagnosis:hypertension", "2024-01-10", diagnosis("Hypertension")),
	}
	first, err := json.Marshal(BuildTimeline(entities))
	require.NoError(t, err)
	second, err := json.Marshal(BuildTimeline([]models.MedicalEntity{entities[2], entities[0], entities[1]}))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func snapshot(version int, entities ...models.MedicalEntity) *models.Snapshot {
	r := Reconcile("patient-1", entities, base)
	return &models.Snapshot{
		PatientID: "patient-1",
		Version:   version,
		Entities:  r.ByCategory,
		Timeline:  r.Timeline,
		Conflicts: r.Conflicts,
	}
}

func TestDiffAddsNewDiagnosis(t *testing.T) {
	htn := entity("a-0", "doc-a", 0, 0.9, "diagnosis:hypertension", "", diagnosis("Hypertension"))
	dm := entity("b-0", "doc-b", time.Hour, 0.9, "diagnosis:type 2 diabetes mellitus", "", diagnosis("Diabetes"))

	prev := snapshot(1, htn)
	curr := snapshot(2, htn, dm)

	d := Diff(prev, curr, base)
	assert.Equal(t, 1, d.FromVersion)
	assert.Equal(t, 2, d.ToVersion)
	require.Len(t, d.AddedEvents, 1)
	assert.Equal(t, "Diabetes", d.AddedEvents[0].Label)
	assert.Empty(t, d.ModifiedEvents)
	assert.Empty(t, d.RemovedEvents)
}

func TestDiffOfSnapshotWithItselfIsEmpty(t *testing.T) {
	s := snapshot(3,
		entity("a-0", "doc-a", 0, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", time.Hour, 0.8, "medication:metformin@2024-01-10", "2024-01-10", metformin("850mg")),
		entity("b-1", "doc-b", time.Hour, 0.3, "diagnosis:hypertension", "", diagnosis("Hypertension")),
	)
	before, err := json.Marshal(s)
	require.NoError(t, err)

	d := Diff(s, s, base)
	assert.True(t, d.IsEmpty())

	after, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDiffIgnoresAliasRenaming(t *testing.T) {
	a := entity("a-0", "doc-a", 0, 0.9, "diagnosis:hypertension", "", diagnosis("HTN"))
	a.CanonicalName = "hypertension"
	b := entity("a-0", "doc-a", 0, 0.9, "diagnosis:hypertension", "", diagnosis("Hypertension"))
	b.CanonicalName = "hypertension"

	d := Diff(snapshot(1, a), snapshot(2, b), base)
	assert.True(t, d.IsEmpty())
}

func TestDiffModifiedAndRemoved(t *testing.T) {
	key := "medication:metformin@2024-01-10"
	prev := snapshot(1,
		entity("a-0", "doc-a", 0, 0.6, key, "2024-01-10", metformin("500mg")),
		entity("a-1", "doc-a", 0, 0.9, "allergy:penicillin", "", models.Payload{Allergy: &models.AllergyPayload{Allergen: "Penicillin"}}),
	)
	curr := snapshot(2,
		entity("a-0", "doc-a", 0, 0.6, key, "2024-01-10", metformin("500mg")),
		entity("b-0", "doc-b", time.Hour, 0.95, key, "2024-01-10", metformin("500mg")),
	)

	d := Diff(prev, curr, base)
	assert.Empty(t, d.AddedEvents)
	require.Len(t, d.ModifiedEvents, 1)
	assert.Equal(t, []string{"confidence"}, d.ModifiedEvents[0].Changes)
	require.Len(t, d.RemovedEvents, 1)
	assert.Equal(t, models.CategoryAllergy, d.RemovedEvents[0].Category)
}
