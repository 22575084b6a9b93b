package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/intake"
	"github.com/synaptica-ai/reconciler/pkg/summary"
)

var errBadEvent = errors.New("malformed event")

type eventHandlers struct {
	pipeline   *intake.Pipeline
	engine     *summary.Engine
	onIngested func(patientID string)
}

// handleExtractionResult ingests a result pushed by the document processing
// service. Document-level failures are recorded and acknowledged; only
// infrastructure errors leave the message uncommitted for redelivery.
func (h *eventHandlers) handleExtractionResult(ctx context.Context, event models.Event) error {
	patientID, _ := event.Data["patient_id"].(string)
	raw, ok := event.Data["result"]
	if !ok || patientID == "" {
		logger.Log.WithField("event_id", event.ID).Warn("extraction result event without patient or result")
		return nil
	}
	result, err := decodeResult(raw)
	if err != nil {
		logger.ForPatient(patientID).WithField("event_id", event.ID).Warn("undecodable extraction result")
		return nil
	}

	_, err = h.pipeline.Ingest(ctx, patientID, result)
	var pf *intake.PermanentIngestFailure
	switch {
	case errors.As(err, &pf):
		return nil
	case err != nil:
		return err
	}
	if h.onIngested != nil {
		h.onIngested(patientID)
	}
	return nil
}

func (h *eventHandlers) handleSessionPurged(_ context.Context, event models.Event) error {
	patientID, _ := event.Data["patient_id"].(string)
	if patientID == "" {
		logger.Log.WithField("event_id", event.ID).Warn("session purge event without patient")
		return nil
	}
	h.engine.PurgeSession(patientID)
	return nil
}

func decodeResult(raw interface{}) (*models.ExtractionResult, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEvent, err)
	}
	var result models.ExtractionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEvent, err)
	}
	return &result, nil
}
