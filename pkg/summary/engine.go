package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reconciler/pkg/aggregation"
	"github.com/synaptica-ai/reconciler/pkg/audit"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/intake"
	"github.com/synaptica-ai/reconciler/pkg/observability/metrics"
)

type RunState string

const (
	StateCollecting       RunState = "intake-collecting"
	StateAggregating      RunState = "aggregating"
	StateConflictChecking RunState = "conflict-checking"
	StateTimelineBuilding RunState = "timeline-building"
	StateCommitted        RunState = "snapshot-committed"
	StateFailed           RunState = "aggregation-failed"
	StateAborted          RunState = "aggregation-aborted"
)

const ReasonNoValidEntities = "no_valid_entities"

// Result is what an aggregate request produced. Exactly one of Snapshot and
// Partial is set.
type Result struct {
	Snapshot *models.Snapshot
	Partial  *models.PartialSummary
	Reused   bool
	States   []RunState
}

type Engine struct {
	registry intake.Registry
	store    Store
	audit    audit.Emitter
	locks    *patientLocks
	sessions *sessions
	now      func() time.Time
}

func NewEngine(registry intake.Registry, store Store, emitter audit.Emitter) *Engine {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	return &Engine{
		registry: registry,
		store:    store,
		audit:    emitter,
		locks:    newPatientLocks(),
		sessions: newSessions(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type run struct {
	patientID string
	states    []RunState
	log       *logrus.Entry
}

func (r *run) enter(state RunState) {
	r.states = append(r.states, state)
	r.log.WithField("state", state).Debug("aggregation state")
}

// Aggregate runs one aggregation for the patient, or returns the latest
// snapshot when neither the usable document revisions nor the failed
// documents have changed since it was built. At most one run per patient is in flight; a session purge aborts it
// before commit.
func (e *Engine) Aggregate(ctx context.Context, patientID string) (Result, error) {
	if strings.TrimSpace(patientID) == "" {
		return Result{}, ErrInvalidPatient
	}
	runCtx, done := e.sessions.begin(ctx, patientID)
	defer done()

	r := &run{patientID: patientID, log: logger.ForPatient(patientID)}
	release, err := e.locks.acquire(runCtx, patientID)
	if err != nil {
		err = e.abort(runCtx, r)
		return Result{States: r.states}, err
	}
	defer release()

	res, err := e.aggregate(runCtx, r)
	if errors.Is(err, ErrVersionConflict) {
		// the log moved under a stale read of the latest snapshot; rebuild once
		r.log.Warn("snapshot version taken, retrying aggregation")
		res, err = e.aggregate(runCtx, r)
	}
	res.States = r.states
	return res, err
}

func (e *Engine) aggregate(ctx context.Context, r *run) (Result, error) {
	r.enter(StateCollecting)
	records, err := e.registry.List(ctx, r.patientID)
	if err != nil {
		return Result{}, err
	}

	var (
		entities   []models.MedicalEntity
		revisions  []models.DocumentRevision
		failures   []models.IngestFailure
		rejections []models.EntityRejection
	)
	for _, rec := range records {
		switch {
		case rec.Usable():
			entities = append(entities, rec.Entities...)
			revisions = append(revisions, models.DocumentRevision{DocumentID: rec.DocumentID, Digest: rec.Digest})
			rejections = append(rejections, rec.Rejections...)
			// a failed reprocess keeps the previous revision but is still reported
			if rec.FailureKind != "" {
				failures = append(failures, models.IngestFailure{DocumentID: rec.DocumentID, Kind: rec.FailureKind, Attempts: rec.Attempts})
			}
		case rec.Status == intake.StatusFailed:
			failures = append(failures, models.IngestFailure{DocumentID: rec.DocumentID, Kind: rec.FailureKind, Attempts: rec.Attempts})
		}
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].DocumentID < revisions[j].DocumentID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].DocumentID < failures[j].DocumentID })
	digest := inputDigest(revisions, failures)

	latest, err := e.store.Latest(ctx, r.patientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Result{}, err
	}
	if latest != nil && latest.InputDigest == digest && len(entities) > 0 {
		metrics.ObserveRunReused()
		r.log.WithField("version", latest.Version).Info("aggregation inputs unchanged")
		e.audit.Emit(ctx, audit.NewEvent(models.AuditAggregate, r.patientID, models.OutcomeReused, map[string]string{
			"version": strconv.Itoa(latest.Version),
		}))
		return Result{Snapshot: latest, Reused: true}, nil
	}

	if len(entities) == 0 {
		return e.incomplete(ctx, r, latest, failures, rejections), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, e.abort(ctx, r)
	}

	r.enter(StateAggregating)
	now := e.now()
	agg := aggregation.Aggregate(r.patientID, entities)

	r.enter(StateConflictChecking)
	conflicts, groupErrors := aggregation.DetectConflicts(agg.Groups, now)
	groupFailures := make([]models.GroupFailure, 0, len(groupErrors))
	for _, ge := range groupErrors {
		r.log.WithFields(logrus.Fields{"category": ge.Category, "kind": ge.Kind}).WithError(ge).Warn("semantic-key group excluded from conflict detection")
		groupFailures = append(groupFailures, ge.Failure())
	}

	r.enter(StateTimelineBuilding)
	timeline := aggregation.BuildTimeline(agg.All())

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}
	snapshot := &models.Snapshot{
		ID:             uuid.New().String(),
		PatientID:      r.patientID,
		Version:        version,
		Entities:       agg.ByCategory,
		Timeline:       timeline,
		Conflicts:      conflicts,
		Documents:      revisions,
		InputDigest:    digest,
		Failures:       failures,
		Rejections:     rejections,
		ConflictErrors: groupFailures,
		LastUpdated:    now,
	}

	if err := ctx.Err(); err != nil {
		return Result{}, e.abort(ctx, r)
	}
	if err := e.store.Commit(ctx, snapshot); err != nil {
		if ctx.Err() != nil {
			return Result{}, e.abort(ctx, r)
		}
		r.log.WithError(err).WithField("version", version).Error("snapshot commit failed")
		e.audit.Emit(ctx, audit.NewEvent(models.AuditAggregate, r.patientID, models.OutcomeFailed, map[string]string{
			"version": strconv.Itoa(version),
			"reason":  "commit_failed",
		}))
		return Result{}, err
	}
	r.enter(StateCommitted)

	metrics.ObserveRunCommitted(len(conflicts), len(groupFailures))
	r.log.WithFields(logrus.Fields{
		"version":      version,
		"entities":     agg.Count(),
		"conflicts":    len(conflicts),
		"documents":    len(revisions),
		"failures":     len(failures),
		"group_errors": len(groupFailures),
	}).Info("snapshot committed")

	e.audit.Emit(ctx, audit.NewEvent(models.AuditAggregate, r.patientID, models.OutcomeCommitted, map[string]string{
		"version":      strconv.Itoa(version),
		"snapshot_id":  snapshot.ID,
		"entities":     strconv.Itoa(agg.Count()),
		"conflicts":    strconv.Itoa(len(conflicts)),
		"documents":    strconv.Itoa(len(revisions)),
		"failures":     strconv.Itoa(len(failures)),
		"group_errors": strconv.Itoa(len(groupFailures)),
	}))
	e.emitNewConflicts(ctx, r.patientID, latest, snapshot)

	return Result{Snapshot: snapshot}, nil
}

func (e *Engine) incomplete(ctx context.Context, r *run, latest *models.Snapshot, failures []models.IngestFailure, rejections []models.EntityRejection) Result {
	r.enter(StateFailed)
	partial := &models.PartialSummary{
		PatientID:   r.patientID,
		Incomplete:  true,
		Reason:      ReasonNoValidEntities,
		Failures:    failures,
		Rejections:  rejections,
		GeneratedAt: e.now(),
	}
	if latest != nil {
		partial.LatestVersion = latest.Version
	}
	metrics.ObserveRunIncomplete()
	r.log.WithFields(logrus.Fields{"failures": len(failures), "rejections": len(rejections)}).Warn("aggregation incomplete")
	e.audit.Emit(ctx, audit.NewEvent(models.AuditAggregate, r.patientID, models.OutcomeIncomplete, map[string]string{
		"reason":     ReasonNoValidEntities,
		"failures":   strconv.Itoa(len(failures)),
		"rejections": strconv.Itoa(len(rejections)),
	}))
	return Result{Partial: partial}
}

func (e *Engine) abort(ctx context.Context, r *run) error {
	r.enter(StateAborted)
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	metrics.ObserveRunAborted()
	kind := "cancelled"
	if errors.Is(cause, ErrSessionPurged) {
		kind = "session_purged"
	}
	r.log.WithField("kind", kind).Warn("aggregation aborted before commit")
	e.audit.Emit(ctx, audit.NewEvent(models.AuditAggregate, r.patientID, models.OutcomeAborted, map[string]string{"kind": kind}))
	return fmt.Errorf("%w: %w", ErrRunAborted, cause)
}

// emitNewConflicts emits one event per conflict not already present in the
// previous snapshot.
func (e *Engine) emitNewConflicts(ctx context.Context, patientID string, previous, current *models.Snapshot) {
	known := make(map[string]struct{})
	if previous != nil {
		for _, c := range previous.Conflicts {
			known[c.ID] = struct{}{}
		}
	}
	for _, c := range current.Conflicts {
		if _, ok := known[c.ID]; ok {
			continue
		}
		e.audit.Emit(ctx, audit.NewEvent(models.AuditConflictDetected, patientID, models.OutcomeDetected, map[string]string{
			"version":     strconv.Itoa(current.Version),
			"conflict_id": c.ID,
			"category":    string(c.Category),
		}))
	}
}

// Trigger runs an aggregation in the background, detached from the caller.
func (e *Engine) Trigger(patientID string) {
	go func() {
		if _, err := e.Aggregate(context.Background(), patientID); err != nil && !errors.Is(err, ErrRunAborted) {
			logger.ForPatient(patientID).WithError(err).Error("background aggregation failed")
		}
	}()
}

// PurgeSession aborts every in-flight run of the patient and returns how many
// were signalled.
func (e *Engine) PurgeSession(patientID string) int {
	n := e.sessions.purge(patientID)
	logger.ForPatient(patientID).WithField("runs", n).Info("session purged")
	return n
}

func (e *Engine) Latest(ctx context.Context, patientID string) (*models.Snapshot, error) {
	return e.store.Latest(ctx, patientID)
}

func (e *Engine) Timeline(ctx context.Context, patientID string) (models.Timeline, error) {
	s, err := e.store.Latest(ctx, patientID)
	if err != nil {
		return models.Timeline{}, err
	}
	return models.Timeline{PatientID: patientID, Version: s.Version, Events: s.Timeline}, nil
}

func (e *Engine) Conflicts(ctx context.Context, patientID string) ([]models.Conflict, error) {
	s, err := e.store.Latest(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if s.Conflicts == nil {
		return []models.Conflict{}, nil
	}
	return s.Conflicts, nil
}

func (e *Engine) Snapshot(ctx context.Context, patientID string, version int) (*models.Snapshot, error) {
	if version < 1 {
		return nil, ErrInvalidVersion
	}
	return e.store.Get(ctx, patientID, version)
}

func (e *Engine) Snapshots(ctx context.Context, patientID string) ([]models.SnapshotInfo, error) {
	return e.store.List(ctx, patientID)
}

// Diff compares two committed snapshots. Both are loaded in full; neither is
// changed.
func (e *Engine) Diff(ctx context.Context, patientID string, fromVersion, toVersion int) (models.TimelineDiff, error) {
	if fromVersion < 1 || toVersion < 1 {
		return models.TimelineDiff{}, ErrInvalidVersion
	}
	previous, err := e.store.Get(ctx, patientID, fromVersion)
	if err != nil {
		return models.TimelineDiff{}, err
	}
	current, err := e.store.Get(ctx, patientID, toVersion)
	if err != nil {
		return models.TimelineDiff{}, err
	}

	diff := aggregation.Diff(previous, current, e.now())
	metrics.ObserveDiffGenerated()
	e.audit.Emit(ctx, audit.NewEvent(models.AuditDiffGenerated, patientID, models.OutcomeGenerated, map[string]string{
		"from_version": strconv.Itoa(fromVersion),
		"to_version":   strconv.Itoa(toVersion),
		"added":        strconv.Itoa(len(diff.AddedEvents)),
		"modified":     strconv.Itoa(len(diff.ModifiedEvents)),
		"removed":      strconv.Itoa(len(diff.RemovedEvents)),
	}))
	return diff, nil
}

// inputDigest covers the usable revisions and the failed documents, so a
// newly failing document forces a new snapshot that reports it.
func inputDigest(revisions []models.DocumentRevision, failures []models.IngestFailure) string {
	h := sha256.New()
	for _, rev := range revisions {
		h.Write([]byte(rev.DocumentID))
		h.Write([]byte{0})
		h.Write([]byte(rev.Digest))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, f := range failures {
		h.Write([]byte(f.DocumentID))
		h.Write([]byte{0})
		h.Write([]byte(f.Kind))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
