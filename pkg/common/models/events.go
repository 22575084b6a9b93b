package models

import "time"

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // extraction-result, session-purged, audit
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

type AuditAction string

const (
	AuditAggregate        AuditAction = "aggregate"
	AuditConflictDetected AuditAction = "conflict-detected"
	AuditDiffGenerated    AuditAction = "diff-generated"
)

const (
	OutcomeCommitted  = "committed"
	OutcomeReused     = "reused"
	OutcomeIncomplete = "incomplete"
	OutcomeAborted    = "aborted"
	OutcomeFailed     = "failed"
	OutcomeDetected   = "detected"
	OutcomeGenerated  = "generated"
)

// AuditEvent never carries entity payload content, only identifiers and outcome codes.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     AuditAction       `json:"action"`
	PatientID  string            `json:"patient_id"`
	Outcome    string            `json:"outcome"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
