package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/common/retry"
)

type fakeExtractor struct {
	mu        sync.Mutex
	transient map[string]int
	broken    map[string]bool
	calls     map[string]int
	during    func(ref DocumentRef)
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		transient: make(map[string]int),
		broken:    make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (f *fakeExtractor) Extract(_ context.Context, ref DocumentRef) (*models.ExtractionResult, error) {
	if f.during != nil {
		f.during(ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ref.DocumentID]++
	if f.broken[ref.DocumentID] {
		return nil, errors.New("unreadable scan")
	}
	if f.transient[ref.DocumentID] != 0 {
		if f.transient[ref.DocumentID] > 0 {
			f.transient[ref.DocumentID]--
		}
		return nil, &TransientExtractionError{DocumentID: ref.DocumentID, Cause: context.DeadlineExceeded}
	}
	return sampleResult(ref.DocumentID), nil
}

func (f *fakeExtractor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newPipeline(ex Extractor) *Pipeline {
	return NewPipeline(newNormalizer(), NewMemoryRegistry(), ex, 2, retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
}

func refs(ids ...string) []DocumentRef {
	out := make([]DocumentRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, DocumentRef{DocumentID: id, DocumentName: id + ".pdf"})
	}
	return out
}

func usable(t *testing.T, reg Registry) []DocumentRecord {
	t.Helper()
	records, err := reg.List(context.Background(), "patient-1")
	require.NoError(t, err)
	var out []DocumentRecord
	for _, rec := range records {
		if rec.Usable() {
			out = append(out, rec)
		}
	}
	return out
}

func TestIngestBatchIsolatesFailingDocument(t *testing.T) {
	ex := newFakeExtractor()
	ex.broken["doc-c"] = true
	p := newPipeline(ex)

	report := p.IngestBatch(context.Background(), "patient-1", refs("doc-a", "doc-b", "doc-c", "doc-d"))
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Outcomes, 4)

	failed := report.Outcomes[2]
	assert.Equal(t, "doc-c", failed.DocumentID)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, KindExtractionFailed, failed.Failure.Kind)
	assert.Equal(t, 1, failed.Failure.Attempts)
	assert.Equal(t, 1, ex.callCount("doc-c"))

	good := usable(t, p.Registry())
	require.Len(t, good, 3)
	for _, rec := range good {
		assert.Len(t, rec.Entities, 2)
	}

	rec, err := p.Registry().Get(context.Background(), "patient-1", "doc-c")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.False(t, rec.Usable())
}

func TestIngestBatchMarksNewDocumentsAccepted(t *testing.T) {
	ex := newFakeExtractor()
	p := newPipeline(ex)
	var statuses []string
	ex.during = func(ref DocumentRef) {
		rec, err := p.Registry().Get(context.Background(), "patient-1", ref.DocumentID)
		require.NoError(t, err)
		statuses = append(statuses, rec.Status)
	}

	report := p.IngestBatch(context.Background(), "patient-1", refs("doc-a"))
	require.Nil(t, report.Outcomes[0].Failure)
	assert.Equal(t, []string{StatusAccepted}, statuses)

	rec, err := p.Registry().Get(context.Background(), "patient-1", "doc-a")
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, rec.Status)

	// a known document stays usable while its new revision is fetched
	statuses = nil
	p.IngestBatch(context.Background(), "patient-1", refs("doc-a"))
	assert.Equal(t, []string{StatusIngested}, statuses)
}

func TestIngestBatchRetriesTransientFailures(t *testing.T) {
	ex := newFakeExtractor()
	ex.transient["doc-a"] = 2
	p := newPipeline(ex)

	report := p.IngestBatch(context.Background(), "patient-1", refs("doc-a"))
	require.Len(t, report.Outcomes, 1)
	assert.Nil(t, report.Outcomes[0].Failure)
	assert.Equal(t, 3, report.Outcomes[0].Attempts)
	assert.Equal(t, 3, ex.callCount("doc-a"))
}

func TestIngestBatchExhaustsRetries(t *testing.T) {
	ex := newFakeExtractor()
	ex.transient["doc-a"] = -1
	p := newPipeline(ex)

	report := p.IngestBatch(context.Background(), "patient-1", refs("doc-a", "doc-b"))
	assert.Equal(t, 1, report.Succeeded)
	require.NotNil(t, report.Outcomes[0].Failure)
	assert.Equal(t, KindTransient, report.Outcomes[0].Failure.Kind)
	assert.Equal(t, 3, report.Outcomes[0].Failure.Attempts)
	assert.Equal(t, 3, ex.callCount("doc-a"))
}

func TestFailedReprocessKeepsPreviousRevision(t *testing.T) {
	ex := newFakeExtractor()
	p := newPipeline(ex)

	report := p.IngestBatch(context.Background(), "patient-1", refs("doc-a"))
	require.Equal(t, 1, report.Succeeded)
	before, err := p.Registry().Get(context.Background(), "patient-1", "doc-a")
	require.NoError(t, err)

	ex.broken["doc-a"] = true
	report = p.IngestBatch(context.Background(), "patient-1", refs("doc-a"))
	require.Equal(t, 1, report.Failed)

	after, err := p.Registry().Get(context.Background(), "patient-1", "doc-a")
	require.NoError(t, err)
	assert.True(t, after.Usable())
	assert.Equal(t, before.Digest, after.Digest)
	assert.Equal(t, before.Entities, after.Entities)
	assert.Equal(t, KindExtractionFailed, after.FailureKind)
}

func TestIngestIsIdempotent(t *testing.T) {
	p := newPipeline(newFakeExtractor())
	ctx := context.Background()

	_, err := p.Ingest(ctx, "patient-1", sampleResult("doc-a"))
	require.NoError(t, err)
	first := usable(t, p.Registry())

	outcome, err := p.Ingest(ctx, "patient-1", sampleResult("doc-a"))
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, outcome.Status)
	assert.Equal(t, 2, outcome.Entities)

	second := usable(t, p.Registry())
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Entities, second[0].Entities)
	assert.Equal(t, first[0].Digest, second[0].Digest)
}

func TestReingestReplacesDocumentEntities(t *testing.T) {
	p := newPipeline(newFakeExtractor())
	ctx := context.Background()

	_, err := p.Ingest(ctx, "patient-1", sampleResult("doc-a"))
	require.NoError(t, err)

	fixed := sampleResult("doc-a")
	fixed.Entities = fixed.Entities[:1]
	_, err = p.Ingest(ctx, "patient-1", fixed)
	require.NoError(t, err)

	records := usable(t, p.Registry())
	require.Len(t, records, 1)
	assert.Len(t, records[0].Entities, 1)
}

func TestIngestMalformedResult(t *testing.T) {
	p := newPipeline(newFakeExtractor())
	result := sampleResult("doc-z")
	result.ExtractedAt = time.Time{}

	outcome, err := p.Ingest(context.Background(), "patient-1", result)
	var pf *PermanentIngestFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, KindMalformed, pf.Kind)
	assert.Equal(t, StatusFailed, outcome.Status)

	rec, err := p.Registry().Get(context.Background(), "patient-1", "doc-z")
	require.NoError(t, err)
	assert.Equal(t, KindMalformed, rec.FailureKind)
}
