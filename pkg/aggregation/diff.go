package aggregation

import (
	"sort"
	"strconv"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

type identity struct {
	category models.Category
	key      string
}

type state struct {
	payloads    []string
	statuses    []string
	dates       []string
	confidences []string
	events      []models.ClinicalEvent
}

// Diff compares two snapshots of one patient by (category, semantic key).
// Neither snapshot is modified.
func Diff(previous, current *models.Snapshot, generatedAt time.Time) models.TimelineDiff {
	diff := models.TimelineDiff{
		AddedEvents:    []models.ClinicalEvent{},
		ModifiedEvents: []models.ModifiedEvent{},
		RemovedEvents:  []models.ClinicalEvent{},
		GeneratedAt:    generatedAt.UTC(),
	}
	if current != nil {
		diff.PatientID = current.PatientID
		diff.ToVersion = current.Version
	}
	if previous != nil {
		diff.FromVersion = previous.Version
		if diff.PatientID == "" {
			diff.PatientID = previous.PatientID
		}
	}

	before := snapshotState(previous)
	after := snapshotState(current)

	for _, ev := range timelineOf(current) {
		if _, ok := before[identity{ev.Category, ev.SemanticKey}]; !ok {
			diff.AddedEvents = append(diff.AddedEvents, ev)
		}
	}
	for _, ev := range timelineOf(previous) {
		if _, ok := after[identity{ev.Category, ev.SemanticKey}]; !ok {
			diff.RemovedEvents = append(diff.RemovedEvents, ev)
		}
	}

	ids := make([]identity, 0, len(after))
	for id := range after {
		if _, ok := before[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].category != ids[j].category {
			return ids[i].category < ids[j].category
		}
		return ids[i].key < ids[j].key
	})
	for _, id := range ids {
		changes := compareStates(before[id], after[id])
		if len(changes) == 0 {
			continue
		}
		diff.ModifiedEvents = append(diff.ModifiedEvents, models.ModifiedEvent{
			Category:    id.category,
			SemanticKey: id.key,
			Changes:     changes,
			Before:      before[id].events,
			After:       after[id].events,
		})
	}
	return diff
}

func snapshotState(s *models.Snapshot) map[identity]*state {
	out := make(map[identity]*state)
	if s == nil {
		return out
	}
	for _, e := range s.AllEntities() {
		id := identity{e.Category, e.SemanticKey}
		st, ok := out[id]
		if !ok {
			st = &state{}
			out[id] = st
		}
		st.payloads = append(st.payloads, payloadFingerprint(models.MedicalEntity{Category: e.Category, Payload: e.Payload, CanonicalName: e.CanonicalName}))
		st.statuses = append(st.statuses, e.Status)
		st.dates = append(st.dates, e.EventDate.String())
		st.confidences = append(st.confidences, strconv.FormatFloat(e.Confidence, 'f', -1, 64))
	}
	for _, ev := range s.Timeline {
		if st, ok := out[identity{ev.Category, ev.SemanticKey}]; ok {
			st.events = append(st.events, ev)
		}
	}
	return out
}

func compareStates(a, b *state) []string {
	var changes []string
	if !sameMultiset(a.payloads, b.payloads) {
		changes = append(changes, "payload")
	}
	if !sameMultiset(a.statuses, b.statuses) {
		changes = append(changes, "status")
	}
	if !sameMultiset(a.dates, b.dates) {
		changes = append(changes, "event_date")
	}
	if !sameMultiset(a.confidences, b.confidences) {
		changes = append(changes, "confidence")
	}
	return changes
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func timelineOf(s *models.Snapshot) []models.ClinicalEvent {
	if s == nil {
		return nil
	}
	return s.Timeline
}
