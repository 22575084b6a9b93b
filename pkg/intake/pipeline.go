package intake

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/common/retry"
	"github.com/synaptica-ai/reconciler/pkg/observability/metrics"
	"golang.org/x/sync/errgroup"
)

// DocumentRef names a document to pull from the extraction service.
type DocumentRef struct {
	PatientID    string `json:"patient_id"`
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
}

// Extractor is the document processing collaborator. Implementations return
// *TransientExtractionError for failures worth retrying.
type Extractor interface {
	Extract(ctx context.Context, ref DocumentRef) (*models.ExtractionResult, error)
}

type Outcome struct {
	DocumentID string                   `json:"document_id"`
	Status     string                   `json:"status"`
	Entities   int                      `json:"entities"`
	Attempts   int                      `json:"attempts"`
	Rejections []models.EntityRejection `json:"rejections,omitempty"`
	Failure    *models.IngestFailure    `json:"failure,omitempty"`
}

type BatchReport struct {
	PatientID string    `json:"patient_id"`
	Outcomes  []Outcome `json:"outcomes"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

type Pipeline struct {
	normalizer *Normalizer
	registry   Registry
	extractor  Extractor
	workers    int
	policy     retry.Policy
}

func NewPipeline(normalizer *Normalizer, registry Registry, extractor Extractor, workers int, policy retry.Policy) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		normalizer: normalizer,
		registry:   registry,
		extractor:  extractor,
		workers:    workers,
		policy:     policy,
	}
}

func (p *Pipeline) Registry() Registry {
	return p.registry
}

// Ingest normalizes an extraction result pushed by the collaborator.
func (p *Pipeline) Ingest(ctx context.Context, patientID string, result *models.ExtractionResult) (Outcome, error) {
	normalized, err := p.normalizer.Normalize(patientID, result)
	if err != nil {
		documentID := ""
		if result != nil {
			documentID = result.DocumentID
		}
		failure := &PermanentIngestFailure{DocumentID: documentID, Attempts: 1, Kind: failureKind(err), Cause: err}
		if patientID == "" && result != nil {
			patientID = result.PatientID
		}
		if documentID != "" && patientID != "" {
			p.recordFailure(ctx, patientID, documentID, nameOf(result), failure)
		}
		return Outcome{DocumentID: documentID, Status: StatusFailed, Attempts: 1, Failure: ptr(failure.Failure())}, failure
	}
	if err := p.store(ctx, normalized, 1); err != nil {
		return Outcome{}, err
	}
	return successOutcome(normalized, 1), nil
}

// IngestBatch extracts and normalizes documents in parallel on a bounded pool.
// A failing document never cancels or delays the others.
func (p *Pipeline) IngestBatch(ctx context.Context, patientID string, refs []DocumentRef) BatchReport {
	outcomes := make([]Outcome, len(refs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, ref := range refs {
		i, ref := i, ref
		if ref.PatientID == "" {
			ref.PatientID = patientID
		}
		g.Go(func() error {
			outcomes[i] = p.ingestOne(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].DocumentID < outcomes[j].DocumentID })
	report := BatchReport{PatientID: patientID, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Failure != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}

func (p *Pipeline) ingestOne(ctx context.Context, ref DocumentRef) Outcome {
	log := logger.ForPatient(ref.PatientID, ref.DocumentID)
	p.markAccepted(ctx, ref)

	var normalized *Result
	attempts, err := retry.Do(ctx, p.policy, IsTransient, func(ctx context.Context) error {
		result, err := p.extractor.Extract(ctx, ref)
		if err != nil {
			return err
		}
		if result.DocumentName == "" {
			result.DocumentName = ref.DocumentName
		}
		normalized, err = p.normalizer.Normalize(ref.PatientID, result)
		return err
	})
	if err == nil {
		err = p.store(ctx, normalized, attempts)
	}
	if err != nil {
		kind := failureKind(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			kind = KindTransient
		}
		failure := &PermanentIngestFailure{DocumentID: ref.DocumentID, Attempts: attempts, Kind: kind, Cause: err}
		log.WithFields(logrus.Fields{"attempts": attempts, "kind": kind}).Warn("document excluded from aggregation")
		p.recordFailure(ctx, ref.PatientID, ref.DocumentID, ref.DocumentName, failure)
		return Outcome{DocumentID: ref.DocumentID, Status: StatusFailed, Attempts: attempts, Failure: ptr(failure.Failure())}
	}
	return successOutcome(normalized, attempts)
}

func (p *Pipeline) store(ctx context.Context, r *Result, attempts int) error {
	now := time.Now().UTC()
	rec := &DocumentRecord{
		PatientID:    r.PatientID,
		DocumentID:   r.DocumentID,
		DocumentName: r.DocumentName,
		Status:       StatusIngested,
		Digest:       r.Digest,
		Entities:     r.Entities,
		Rejections:   r.Rejections,
		Attempts:     attempts,
		LastAttempt:  &now,
	}
	if err := p.registry.Save(ctx, rec); err != nil {
		return err
	}
	metrics.ObserveDocumentIngested(len(r.Entities), len(r.Rejections))
	logger.ForPatient(r.PatientID, r.DocumentID).WithFields(logrus.Fields{
		"entities":   len(r.Entities),
		"rejections": len(r.Rejections),
	}).Info("document ingested")
	return nil
}

// markAccepted records a document seen for the first time, so its status is
// visible while extraction is still being retried. Known documents keep their
// record until the new revision is stored or the failure recorded.
func (p *Pipeline) markAccepted(ctx context.Context, ref DocumentRef) {
	_, err := p.registry.Get(ctx, ref.PatientID, ref.DocumentID)
	if !errors.Is(err, ErrNotFound) {
		return
	}
	rec := &DocumentRecord{
		PatientID:    ref.PatientID,
		DocumentID:   ref.DocumentID,
		DocumentName: ref.DocumentName,
		Status:       StatusAccepted,
	}
	if err := p.registry.Save(ctx, rec); err != nil {
		logger.ForPatient(ref.PatientID, ref.DocumentID).WithError(err).Warn("failed to record accepted document")
	}
}

// recordFailure keeps a previously ingested revision usable: a failed
// reprocessing run is reported but does not erase the facts already known.
func (p *Pipeline) recordFailure(ctx context.Context, patientID, documentID, name string, failure *PermanentIngestFailure) {
	metrics.ObserveDocumentFailed()
	now := time.Now().UTC()
	rec, err := p.registry.Get(ctx, patientID, documentID)
	if err != nil || rec == nil || !rec.Usable() {
		rec = &DocumentRecord{
			PatientID:    patientID,
			DocumentID:   documentID,
			DocumentName: name,
			Status:       StatusFailed,
		}
	}
	rec.FailureKind = failure.Kind
	rec.Attempts = failure.Attempts
	rec.LastAttempt = &now
	if err := p.registry.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.ForPatient(patientID, documentID).WithError(err).Error("failed to record ingest failure")
	}
}

func successOutcome(r *Result, attempts int) Outcome {
	return Outcome{
		DocumentID: r.DocumentID,
		Status:     StatusIngested,
		Entities:   len(r.Entities),
		Attempts:   attempts,
		Rejections: r.Rejections,
	}
}

func nameOf(result *models.ExtractionResult) string {
	if result == nil {
		return ""
	}
	return result.DocumentName
}

func ptr[T any](v T) *T {
	return &v
}
