package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/reconciler/pkg/aggregation"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
)

var entityNamespace = uuid.MustParse("6f1c3c1e-5d0a-4f43-9a57-8a7c2f1b9e21")

// Result is the stable internal form of one document's extraction result.
type Result struct {
	PatientID    string
	DocumentID   string
	DocumentName string
	ExtractedAt  time.Time
	Entities     []models.MedicalEntity
	Rejections   []models.EntityRejection
	Digest       string
}

type Normalizer struct {
	validator validator
	keyer     *Keyer
}

func NewNormalizer(rules RuleSet, catalog *terminology.Catalog) *Normalizer {
	return &Normalizer{
		validator: validator{rules: rules},
		keyer:     NewKeyer(rules, catalog),
	}
}

// Normalize validates and keys every entity of one document. Invalid entities
// are dropped and reported in Rejections; only a malformed envelope fails the
// whole document.
func (n *Normalizer) Normalize(patientID string, result *models.ExtractionResult) (*Result, error) {
	if result == nil {
		return nil, &documentError{kind: KindMalformed, reason: ErrMalformedResult}
	}
	documentID := strings.TrimSpace(result.DocumentID)
	if documentID == "" {
		return nil, &documentError{kind: KindMalformed, reason: fmt.Errorf("document id required: %w", ErrMalformedResult)}
	}
	if result.ExtractedAt.IsZero() {
		return nil, &documentError{documentID: documentID, kind: KindMalformed, reason: fmt.Errorf("extraction timestamp required: %w", ErrMalformedResult)}
	}
	if result.PatientID != "" && patientID != "" && result.PatientID != patientID {
		return nil, &documentError{documentID: documentID, kind: KindPatientMismatch, reason: ErrPatientMismatch}
	}
	if patientID == "" {
		patientID = result.PatientID
	}
	if patientID == "" {
		return nil, &documentError{documentID: documentID, kind: KindMalformed, reason: fmt.Errorf("patient id required: %w", ErrMalformedResult)}
	}

	out := &Result{
		PatientID:    patientID,
		DocumentID:   documentID,
		DocumentName: result.DocumentName,
		ExtractedAt:  result.ExtractedAt.UTC(),
	}

	for i, raw := range result.Entities {
		category, payload, eventDate, err := n.validator.build(documentID, i, raw)
		if err != nil {
			if ve, ok := err.(ValidationError); ok {
				out.Rejections = append(out.Rejections, ve.Rejection())
				continue
			}
			return nil, err
		}

		source := models.SourceReference{
			DocumentID:          documentID,
			DocumentName:        result.DocumentName,
			PageNumber:          raw.PageNumber,
			ExtractionTimestamp: out.ExtractedAt,
		}
		confidence := aggregation.ClampConfidence(raw.Confidence)

		out.Entities = append(out.Entities, models.MedicalEntity{
			ID:            uuid.NewSHA1(entityNamespace, []byte(patientID+"/"+documentID+"/"+strconv.Itoa(i))).String(),
			Category:      category,
			SemanticKey:   n.keyer.Key(category, payload, eventDate),
			EventDate:     eventDate,
			Confidence:    confidence,
			Sources:       []models.SourceReference{source},
			Extractions:   []models.Extraction{{Source: source, Confidence: confidence}},
			Status:        strings.TrimSpace(raw.Status),
			Payload:       payload,
			CanonicalName: n.keyer.CanonicalName(category, payload),
		})
	}

	digest, err := digestOf(out)
	if err != nil {
		return nil, err
	}
	out.Digest = digest
	return out, nil
}

func digestOf(r *Result) (string, error) {
	body, err := json.Marshal(struct {
		DocumentID string                 `json:"document_id"`
		Entities   []models.MedicalEntity `json:"entities"`
	}{r.DocumentID, r.Entities})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
