package intake

import (
	"errors"
	"fmt"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

var (
	ErrNotFound        = errors.New("intake document not found")
	ErrMalformedResult = errors.New("malformed extraction result")
	ErrPatientMismatch = errors.New("extraction result belongs to another patient")
)

const (
	KindUnknownCategory  = "unknown_category"
	KindMissingField     = "missing_field"
	KindInvalidDate      = "invalid_date"
	KindMissingFields    = "missing_fields"
	KindMalformed        = "malformed_result"
	KindPatientMismatch  = "patient_mismatch"
	KindTransient        = "transient_exhausted"
	KindExtractionFailed = "extraction_failed"
)

// ValidationError describes one entity dropped from a document. It never
// carries field values, only where the problem is and what kind it is.
type ValidationError struct {
	DocumentID string
	Index      int
	Category   models.Category
	Field      string
	Kind       string
}

func (e ValidationError) Error() string {
	msg := fmt.Sprintf("entity %d of document %s", e.Index, e.DocumentID)
	if e.Category != "" {
		msg += fmt.Sprintf(" (%s)", e.Category)
	}
	msg += ": " + e.Kind
	if e.Field != "" {
		msg += " " + e.Field
	}
	return msg
}

func (e ValidationError) Rejection() models.EntityRejection {
	return models.EntityRejection{
		DocumentID: e.DocumentID,
		Index:      e.Index,
		Category:   e.Category,
		Field:      e.Field,
		Kind:       e.Kind,
	}
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// TransientExtractionError marks a failure worth retrying, such as a timeout
// from the extraction service.
type TransientExtractionError struct {
	DocumentID string
	Cause      error
}

func (e *TransientExtractionError) Error() string {
	return fmt.Sprintf("transient extraction failure for document %s", e.DocumentID)
}

func (e *TransientExtractionError) Unwrap() error {
	return e.Cause
}

func IsTransient(err error) bool {
	var te *TransientExtractionError
	return errors.As(err, &te)
}

// PermanentIngestFailure excludes a document from aggregation.
type PermanentIngestFailure struct {
	DocumentID string
	Attempts   int
	Kind       string
	Cause      error
}

func (e *PermanentIngestFailure) Error() string {
	return fmt.Sprintf("document %s permanently failed after %d attempt(s): %s", e.DocumentID, e.Attempts, e.Kind)
}

func (e *PermanentIngestFailure) Unwrap() error {
	return e.Cause
}

func (e *PermanentIngestFailure) Failure() models.IngestFailure {
	return models.IngestFailure{DocumentID: e.DocumentID, Kind: e.Kind, Attempts: e.Attempts}
}

// documentError is a whole-document problem found while normalizing.
type documentError struct {
	documentID string
	kind       string
	reason     error
}

func (e *documentError) Error() string {
	return fmt.Sprintf("document %s: %s", e.documentID, e.kind)
}

func (e *documentError) Unwrap() error {
	return e.reason
}

func failureKind(err error) string {
	var de *documentError
	if errors.As(err, &de) {
		return de.kind
	}
	var pf *PermanentIngestFailure
	if errors.As(err, &pf) {
		return pf.Kind
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindExtractionFailed
}
