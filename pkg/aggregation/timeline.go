package aggregation

import (
	"sort"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// BuildTimeline projects every entity to one clinical event, low-confidence
// and conflicting ones included. Events are ordered by event date (partial
// dates by their lower bound, coarser first, undated last), then earliest
// extraction, then semantic key, then entity id.
func BuildTimeline(entities []models.MedicalEntity) []models.ClinicalEvent {
	events := make([]models.ClinicalEvent, 0, len(entities))
	for _, e := range entities {
		events = append(events, models.ClinicalEvent{
			Timestamp:          e.EventDate.LowerBound(),
			Date:               e.EventDate,
			Undated:            e.EventDate.IsZero(),
			EntityRef:          e.ID,
			Category:           e.Category,
			SemanticKey:        e.SemanticKey,
			Label:              e.Payload.Label(),
			EarliestExtraction: e.EarliestExtraction(),
		})
	}
	SortEvents(events)
	return events
}

func SortEvents(events []models.ClinicalEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return compareEvents(events[i], events[j]) < 0
	})
}

func compareEvents(a, b models.ClinicalEvent) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if !a.EarliestExtraction.Equal(b.EarliestExtraction) {
		if a.EarliestExtraction.Before(b.EarliestExtraction) {
			return -1
		}
		return 1
	}
	switch {
	case a.SemanticKey < b.SemanticKey:
		return -1
	case a.SemanticKey > b.SemanticKey:
		return 1
	case a.EntityRef < b.EntityRef:
		return -1
	case a.EntityRef > b.EntityRef:
		return 1
	}
	return 0
}
