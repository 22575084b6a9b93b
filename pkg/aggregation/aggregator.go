package aggregation

import (
	"sort"

	"github.com/google/uuid"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

var entityNamespace = uuid.MustParse("0b8e7f6c-3a52-4d7e-a1f0-5c2d9e4b7a13")

// Group is every coalesced entity record sharing one semantic identity.
type Group struct {
	Category    models.Category
	SemanticKey string
	Entities    []models.MedicalEntity
}

type Aggregation struct {
	ByCategory map[models.Category][]models.MedicalEntity
	Groups     []Group
}

// Count returns the number of entity records.
func (a Aggregation) Count() int {
	n := 0
	for _, list := range a.ByCategory {
		n += len(list)
	}
	return n
}

// All flattens the entity records in category order.
func (a Aggregation) All() []models.MedicalEntity {
	var out []models.MedicalEntity
	for _, cat := range models.Categories() {
		out = append(out, a.ByCategory[cat]...)
	}
	return out
}

type groupKey struct {
	category models.Category
	key      string
}

// Aggregate merges a patient's intake entities. Entities with the same
// semantic identity and an identical value are coalesced into one record
// carrying the union of their sources; differing values stay separate.
// The result does not depend on the order of the input.
func Aggregate(patientID string, entities []models.MedicalEntity) Aggregation {
	input := append([]models.MedicalEntity(nil), entities...)
	sort.SliceStable(input, func(i, j int) bool {
		a, b := input[i], input[j]
		ta, tb := a.EarliestExtraction(), b.EarliestExtraction()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		da, db := firstDocument(a), firstDocument(b)
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})

	type bucket struct {
		order    []string
		variants map[string]*models.MedicalEntity
	}
	buckets := make(map[groupKey]*bucket)
	var keys []groupKey

	for _, e := range input {
		gk := groupKey{category: e.Category, key: e.SemanticKey}
		b, ok := buckets[gk]
		if !ok {
			b = &bucket{variants: make(map[string]*models.MedicalEntity)}
			buckets[gk] = b
			keys = append(keys, gk)
		}

		fp := entityFingerprint(e)
		existing, ok := b.variants[fp]
		if !ok {
			merged := e
			merged.Sources = models.UnionSources(e.Sources)
			merged.Extractions = mergeExtractions(e.Extractions)
			merged.ID = uuid.NewSHA1(entityNamespace, []byte(patientID+"/"+string(e.Category)+"/"+e.SemanticKey+"/"+fp)).String()
			merged.Confidence = Combine(merged.Extractions)
			b.variants[fp] = &merged
			b.order = append(b.order, fp)
			continue
		}
		existing.Sources = models.UnionSources(existing.Sources, e.Sources)
		existing.Extractions = mergeExtractions(existing.Extractions, e.Extractions)
		existing.Confidence = Combine(existing.Extractions)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].key < keys[j].key
	})

	out := Aggregation{ByCategory: make(map[models.Category][]models.MedicalEntity)}
	for _, gk := range keys {
		b := buckets[gk]
		group := Group{Category: gk.category, SemanticKey: gk.key}
		for _, fp := range b.order {
			group.Entities = append(group.Entities, *b.variants[fp])
		}
		sortEntities(group.Entities)
		out.Groups = append(out.Groups, group)
		out.ByCategory[gk.category] = append(out.ByCategory[gk.category], group.Entities...)
	}
	return out
}

// sortEntities orders records by event date, earliest extraction, then id.
func sortEntities(entities []models.MedicalEntity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if c := a.EventDate.Compare(b.EventDate); c != 0 {
			return c < 0
		}
		ta, tb := a.EarliestExtraction(), b.EarliestExtraction()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
}

func firstDocument(e models.MedicalEntity) string {
	ids := e.DocumentIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
