package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

func serve(router *mux.Router, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHTTPSummaryRoutes(t *testing.T) {
	h := newHarness(t, nil)
	router := mux.NewRouter()
	NewHTTPHandler(h.engine).Register(router)

	rec := serve(router, http.MethodGet, "/api/v1/patients/patient-1/timeline")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.ingest(t, "patient-1", doc("doc-a", 0, metformin("500mg")))
	h.ingest(t, "patient-1", doc("doc-b", time.Hour, metformin("850mg")))

	rec = serve(router, http.MethodPost, "/api/v1/patients/patient-1/aggregate")
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot models.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snapshot))
	assert.Equal(t, 1, snapshot.Version)

	rec = serve(router, http.MethodGet, "/api/v1/patients/patient-1/timeline")
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline models.Timeline
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&timeline))
	assert.Len(t, timeline.Events, 2)

	rec = serve(router, http.MethodGet, "/api/v1/patients/patient-1/conflicts")
	require.Equal(t, http.StatusOK, rec.Code)
	var conflicts []models.Conflict
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conflicts))
	assert.Len(t, conflicts, 1)

	rec = serve(router, http.MethodGet, "/api/v1/patients/patient-1/diff?from=1&to=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var diff models.TimelineDiff
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&diff))
	assert.True(t, diff.IsEmpty())

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/api/v1/patients/patient-1/diff?from=1").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/api/v1/patients/patient-1/snapshots/7").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/patients/patient-1/snapshots/1").Code)

	rec = serve(router, http.MethodGet, "/api/v1/patients/patient-1/snapshots")
	var infos []models.SnapshotInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&infos))
	assert.Len(t, infos, 1)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodDelete, "/api/v1/patients/patient-1/session").Code)
}

func TestHTTPAggregatePartial(t *testing.T) {
	h := newHarness(t, nil)
	router := mux.NewRouter()
	NewHTTPHandler(h.engine).Register(router)

	corrupt := doc("doc-a", 0, diagnosis("Gout"))
	corrupt.ExtractedAt = time.Time{}
	_, err := h.pipeline.Ingest(context.Background(), "patient-1", corrupt)
	require.Error(t, err)

	rec := serve(router, http.MethodPost, "/api/v1/patients/patient-1/aggregate")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	var partial models.PartialSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&partial))
	assert.True(t, partial.Incomplete)
	assert.Len(t, partial.Failures, 1)
}
