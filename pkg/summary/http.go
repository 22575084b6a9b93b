package summary

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
)

type HTTPHandler struct {
	engine *Engine
}

func NewHTTPHandler(engine *Engine) *HTTPHandler {
	return &HTTPHandler{engine: engine}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/patients/{id}/aggregate", h.handleAggregate).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/patients/{id}/timeline", h.handleTimeline).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/conflicts", h.handleConflicts).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/diff", h.handleDiff).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/snapshots", h.handleSnapshots).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/snapshots/{version}", h.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/session", h.handlePurge).Methods(http.MethodDelete)
}

func (h *HTTPHandler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	res, err := h.engine.Aggregate(r.Context(), patientID)
	if err != nil {
		h.writeError(w, patientID, err, "failed to aggregate")
		return
	}
	if res.Partial != nil {
		writeJSON(w, http.StatusPartialContent, res.Partial)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

func (h *HTTPHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	timeline, err := h.engine.Timeline(r.Context(), patientID)
	if err != nil {
		h.writeError(w, patientID, err, "failed to load timeline")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *HTTPHandler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	conflicts, err := h.engine.Conflicts(r.Context(), patientID)
	if err != nil {
		h.writeError(w, patientID, err, "failed to load conflicts")
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *HTTPHandler) handleDiff(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	from, errFrom := strconv.Atoi(r.URL.Query().Get("from"))
	to, errTo := strconv.Atoi(r.URL.Query().Get("to"))
	if errFrom != nil || errTo != nil {
		http.Error(w, "from and to versions required", http.StatusBadRequest)
		return
	}
	diff, err := h.engine.Diff(r.Context(), patientID, from, to)
	if err != nil {
		h.writeError(w, patientID, err, "failed to diff snapshots")
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *HTTPHandler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	infos, err := h.engine.Snapshots(r.Context(), patientID)
	if err != nil {
		h.writeError(w, patientID, err, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *HTTPHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	patientID := vars["id"]
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}
	snapshot, err := h.engine.Snapshot(r.Context(), patientID, version)
	if err != nil {
		h.writeError(w, patientID, err, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *HTTPHandler) handlePurge(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	n := h.engine.PurgeSession(patientID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"patient_id": patientID, "aborted_runs": n})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, patientID string, err error, msg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "snapshot not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrInvalidPatient):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRunAborted):
		http.Error(w, "aggregation aborted", http.StatusConflict)
	case errors.Is(err, ErrVersionConflict):
		http.Error(w, "concurrent snapshot commit", http.StatusConflict)
	default:
		logger.ForPatient(patientID).WithError(err).Error(msg)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
