package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	documentsIngested atomic.Int64
	documentsFailed   atomic.Int64
	entitiesAccepted  atomic.Int64
	entitiesRejected  atomic.Int64
	runsCommitted     atomic.Int64
	runsReused        atomic.Int64
	runsIncomplete    atomic.Int64
	runsAborted       atomic.Int64
	conflictsDetected atomic.Int64
	groupFailures     atomic.Int64
	diffsGenerated    atomic.Int64
)

func ObserveDocumentIngested(entities, rejected int) {
	documentsIngested.Add(1)
	entitiesAccepted.Add(int64(entities))
	entitiesRejected.Add(int64(rejected))
}

func ObserveDocumentFailed() {
	documentsFailed.Add(1)
}

func ObserveRunCommitted(conflicts, failedGroups int) {
	runsCommitted.Add(1)
	conflictsDetected.Add(int64(conflicts))
	groupFailures.Add(int64(failedGroups))
}

func ObserveRunReused() {
	runsReused.Add(1)
}

func ObserveRunIncomplete() {
	runsIncomplete.Add(1)
}

func ObserveRunAborted() {
	runsAborted.Add(1)
}

func ObserveDiffGenerated() {
	diffsGenerated.Add(1)
}

// Snapshot returns the current counter values keyed by metric name.
func Snapshot() map[string]int64 {
	out := make(map[string]int64, len(counters()))
	for _, c := range counters() {
		out[c.name] = c.value.Load()
	}
	return out
}

type counter struct {
	name  string
	help  string
	value *atomic.Int64
}

func counters() []counter {
	return []counter{
		{"reconciler_documents_ingested_total", "Documents normalized and stored by intake.", &documentsIngested},
		{"reconciler_documents_failed_total", "Documents permanently excluded from aggregation.", &documentsFailed},
		{"reconciler_entities_accepted_total", "Entities accepted by intake validation.", &entitiesAccepted},
		{"reconciler_entities_rejected_total", "Entities dropped by intake validation.", &entitiesRejected},
		{"reconciler_runs_committed_total", "Aggregation runs that committed a snapshot.", &runsCommitted},
		{"reconciler_runs_reused_total", "Aggregation requests answered by an unchanged snapshot.", &runsReused},
		{"reconciler_runs_incomplete_total", "Aggregation runs that produced a partial summary.", &runsIncomplete},
		{"reconciler_runs_aborted_total", "Aggregation runs aborted before commit.", &runsAborted},
		{"reconciler_conflicts_detected_total", "Conflicts present in committed snapshots.", &conflictsDetected},
		{"reconciler_conflict_group_failures_total", "Semantic-key groups excluded from conflict analysis.", &groupFailures},
		{"reconciler_diffs_generated_total", "Timeline diffs generated.", &diffsGenerated},
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, c := range counters() {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
	}
}

func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	}
}
