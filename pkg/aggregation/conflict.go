package aggregation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
)

var conflictNamespace = uuid.MustParse("c4a1d2e3-7b68-4f09-8e5d-2a6b1c9f0e74")

const (
	KindUnparseablePayload = "unparseable_payload"
	KindCategoryMismatch   = "category_mismatch"
	KindAnalysisPanic      = "analysis_panic"
)

var ErrConflictAnalysis = errors.New("conflict analysis failed")

// ConflictAnalysisError excludes one semantic-key group from conflict
// results. The key itself is kept out of the message.
type ConflictAnalysisError struct {
	Category  models.Category
	EntityIDs []string
	Kind      string
}

func (e *ConflictAnalysisError) Error() string {
	return fmt.Sprintf("conflict analysis failed for %s group of %d entities: %s", e.Category, len(e.EntityIDs), e.Kind)
}

func (e *ConflictAnalysisError) Unwrap() error {
	return ErrConflictAnalysis
}

func (e *ConflictAnalysisError) Failure() models.GroupFailure {
	return models.GroupFailure{Category: e.Category, EntityIDs: e.EntityIDs, Kind: e.Kind}
}

// DetectConflicts flags groups whose records assert two or more different
// values, drawn from at least two distinct documents. Records that differ only
// by event date are successive assertions, not a conflict. Nothing is
// modified and no value is preferred over another.
func DetectConflicts(groups []Group, detectedAt time.Time) ([]models.Conflict, []*ConflictAnalysisError) {
	var conflicts []models.Conflict
	var failures []*ConflictAnalysisError
	for _, g := range groups {
		if len(g.Entities) < 2 {
			continue
		}
		c, err := analyzeGroup(g, detectedAt)
		if err != nil {
			var cae *ConflictAnalysisError
			if errors.As(err, &cae) {
				failures = append(failures, cae)
			}
			continue
		}
		if c != nil {
			conflicts = append(conflicts, *c)
		}
	}
	sortConflicts(conflicts)
	return conflicts, failures
}

type variant struct {
	fingerprint string
	entities    []models.MedicalEntity
	documents   map[string]struct{}
	earliest    time.Time
}

func analyzeGroup(g Group, detectedAt time.Time) (conflict *models.Conflict, err error) {
	defer func() {
		if r := recover(); r != nil {
			conflict = nil
			err = &ConflictAnalysisError{Category: g.Category, EntityIDs: entityIDs(g.Entities), Kind: KindAnalysisPanic}
		}
	}()

	byFingerprint := make(map[string]*variant)
	var variants []*variant
	documents := make(map[string]struct{})
	for _, e := range g.Entities {
		category, ok := e.Payload.Category()
		if !ok {
			return nil, &ConflictAnalysisError{Category: g.Category, EntityIDs: entityIDs(g.Entities), Kind: KindUnparseablePayload}
		}
		if category != g.Category || e.Category != g.Category {
			return nil, &ConflictAnalysisError{Category: g.Category, EntityIDs: entityIDs(g.Entities), Kind: KindCategoryMismatch}
		}

		fp := payloadFingerprint(e)
		v, ok := byFingerprint[fp]
		if !ok {
			v = &variant{fingerprint: fp, documents: make(map[string]struct{}), earliest: e.EarliestExtraction()}
			byFingerprint[fp] = v
			variants = append(variants, v)
		}
		v.entities = append(v.entities, e)
		if t := e.EarliestExtraction(); t.Before(v.earliest) {
			v.earliest = t
		}
		for _, id := range e.DocumentIDs() {
			v.documents[id] = struct{}{}
			documents[id] = struct{}{}
		}
	}

	if len(variants) < 2 || len(documents) < 2 {
		return nil, nil
	}

	sort.SliceStable(variants, func(i, j int) bool {
		if !variants[i].earliest.Equal(variants[j].earliest) {
			return variants[i].earliest.Before(variants[j].earliest)
		}
		return variants[i].fingerprint < variants[j].fingerprint
	})

	fields := differingFields(variants)
	c := &models.Conflict{
		Category:    g.Category,
		SemanticKey: g.SemanticKey,
		Fields:      fields,
		DetectedAt:  detectedAt.UTC(),
	}

	fingerprints := make([]string, 0, len(variants))
	var sourceSets [][]models.SourceReference
	for _, v := range variants {
		first := v.entities[0]
		value := models.ConflictValue{
			EntityIDs:   entityIDs(v.entities),
			Value:       renderValue(first, fields),
			Status:      first.Status,
			EventDate:   earliestDate(v.entities),
			Payload:     first.Payload,
			DocumentIDs: sortedKeys(v.documents),
		}
		c.ConflictingValues = append(c.ConflictingValues, value)
		fingerprints = append(fingerprints, v.fingerprint)
		for _, e := range v.entities {
			sourceSets = append(sourceSets, e.Sources)
		}
	}
	c.Sources = models.UnionSources(sourceSets...)
	sort.Strings(fingerprints)
	c.ID = uuid.NewSHA1(conflictNamespace, []byte(string(g.Category)+"/"+g.SemanticKey+"/"+strings.Join(fingerprints, ","))).String()
	return c, nil
}

// differingFields lists, in payload order, the fields whose normalized values
// are not the same across all variants. Status is listed last.
func differingFields(variants []*variant) []string {
	reference := variants[0].entities[0]
	refFields := comparableFields(reference)
	var out []string
	for i, f := range refFields {
		for _, v := range variants[1:] {
			other := comparableFields(v.entities[0])
			if i >= len(other) || other[i].Value != f.Value {
				out = append(out, f.Name)
				break
			}
		}
	}
	for _, v := range variants[1:] {
		if terminology.Normalize(v.entities[0].Status) != terminology.Normalize(reference.Status) {
			out = append(out, "status")
			break
		}
	}
	return out
}

func renderValue(e models.MedicalEntity, fields []string) string {
	values := make(map[string]string)
	for _, f := range e.Payload.Fields() {
		values[f.Name] = f.Value
	}
	values["status"] = e.Status

	parts := make([]string, 0, len(fields))
	for _, name := range fields {
		if v := values[name]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "unspecified"
	}
	return strings.Join(parts, " ")
}

func sortConflicts(conflicts []models.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.SemanticKey != b.SemanticKey {
			return a.SemanticKey < b.SemanticKey
		}
		ta, tb := earliestSource(a.Sources), earliestSource(b.Sources)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
}

func earliestSource(sources []models.SourceReference) time.Time {
	var earliest time.Time
	for i, src := range sources {
		if i == 0 || src.ExtractionTimestamp.Before(earliest) {
			earliest = src.ExtractionTimestamp
		}
	}
	return earliest
}

func earliestDate(entities []models.MedicalEntity) models.PartialDate {
	best := entities[0].EventDate
	for _, e := range entities[1:] {
		if e.EventDate.Compare(best) < 0 {
			best = e.EventDate
		}
	}
	return best
}

func entityIDs(entities []models.MedicalEntity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
