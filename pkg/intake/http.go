package intake

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// DocumentStatus is the ingest state of a document without its entities.
type DocumentStatus struct {
	DocumentID   string     `json:"document_id"`
	DocumentName string     `json:"document_name"`
	Status       string     `json:"status"`
	Digest       string     `json:"digest,omitempty"`
	Entities     int        `json:"entities"`
	Rejections   int        `json:"rejections"`
	FailureKind  string     `json:"failure_kind,omitempty"`
	Attempts     int        `json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type batchRequest struct {
	Documents []DocumentRef `json:"documents"`
}

type HTTPHandler struct {
	pipeline   *Pipeline
	maxBody    int64
	onIngested func(patientID string)
}

// NewHTTPHandler serves document intake. onIngested, when set, is called
// after a request changed at least one document of the patient.
func NewHTTPHandler(pipeline *Pipeline, maxBody int64, onIngested func(patientID string)) *HTTPHandler {
	return &HTTPHandler{pipeline: pipeline, maxBody: maxBody, onIngested: onIngested}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/patients/{id}/documents", h.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/patients/{id}/documents/batch", h.handleBatch).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/patients/{id}/documents", h.handleList).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var result models.ExtractionResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		logger.ForPatient(patientID).WithError(err).Warn("invalid extraction payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.pipeline.Ingest(r.Context(), patientID, &result)
	if err != nil {
		var pf *PermanentIngestFailure
		if errors.As(err, &pf) {
			writeJSON(w, http.StatusUnprocessableEntity, outcome)
			return
		}
		logger.ForPatient(patientID, result.DocumentID).WithError(err).Error("failed to ingest document")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.notify(patientID)
	writeJSON(w, http.StatusAccepted, outcome)
}

func (h *HTTPHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Documents) == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for _, ref := range req.Documents {
		if ref.DocumentID == "" || (ref.PatientID != "" && ref.PatientID != patientID) {
			http.Error(w, "invalid document reference", http.StatusBadRequest)
			return
		}
	}

	report := h.pipeline.IngestBatch(r.Context(), patientID, req.Documents)
	if report.Succeeded > 0 {
		h.notify(patientID)
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	records, err := h.pipeline.Registry().List(r.Context(), patientID)
	if err != nil {
		logger.ForPatient(patientID).WithError(err).Error("failed to list documents")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]DocumentStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, statusOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) notify(patientID string) {
	if h.onIngested != nil {
		h.onIngested(patientID)
	}
}

func statusOf(rec DocumentRecord) DocumentStatus {
	return DocumentStatus{
		DocumentID:   rec.DocumentID,
		DocumentName: rec.DocumentName,
		Status:       rec.Status,
		Digest:       rec.Digest,
		Entities:     len(rec.Entities),
		Rejections:   len(rec.Rejections),
		FailureKind:  rec.FailureKind,
		Attempts:     rec.Attempts,
		LastAttempt:  rec.LastAttempt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
