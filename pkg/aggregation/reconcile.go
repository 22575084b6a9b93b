package aggregation

import (
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// Reconciliation is the full derived state of one aggregation pass.
type Reconciliation struct {
	Aggregation
	Conflicts []models.Conflict
	Failures  []*ConflictAnalysisError
	Timeline  []models.ClinicalEvent
}

// Reconcile runs aggregation, conflict detection and timeline building over
// one patient's entities. It has no side effects and may be repeated.
func Reconcile(patientID string, entities []models.MedicalEntity, now time.Time) Reconciliation {
	agg := Aggregate(patientID, entities)
	conflicts, failures := DetectConflicts(agg.Groups, now)
	return Reconciliation{
		Aggregation: agg,
		Conflicts:   conflicts,
		Failures:    failures,
		Timeline:    BuildTimeline(agg.All()),
	}
}

// GroupFailures returns the sanitized form of the conflict analysis failures.
func (r Reconciliation) GroupFailures() []models.GroupFailure {
	out := make([]models.GroupFailure, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Failure())
	}
	return out
}
