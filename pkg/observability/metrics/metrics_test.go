package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersExposed(t *testing.T) {
	before := Snapshot()
	ObserveDocumentIngested(3, 1)
	ObserveRunCommitted(2, 0)

	after := Snapshot()
	assert.Equal(t, before["reconciler_documents_ingested_total"]+1, after["reconciler_documents_ingested_total"])
	assert.Equal(t, before["reconciler_entities_rejected_total"]+1, after["reconciler_entities_rejected_total"])
	assert.Equal(t, before["reconciler_conflicts_detected_total"]+2, after["reconciler_conflicts_detected_total"])

	rec := httptest.NewRecorder()
	Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "# TYPE reconciler_runs_committed_total counter")
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
}
