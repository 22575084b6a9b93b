package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reconciler/pkg/common/logger"
	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/redact"
)

const eventType = "audit"

// allowedAttributes are the only attribute keys an audit event may carry.
// Everything else is dropped before emission so no payload content leaks.
var allowedAttributes = map[string]struct{}{
	"version":      {},
	"from_version": {},
	"to_version":   {},
	"snapshot_id":  {},
	"conflict_id":  {},
	"category":     {},
	"entities":     {},
	"conflicts":    {},
	"documents":    {},
	"failures":     {},
	"rejections":   {},
	"group_errors": {},
	"added":        {},
	"modified":     {},
	"removed":      {},
	"kind":         {},
	"reason":       {},
	"input_digest": {},
	"trigger":      {},
}

// Emitter hands audit-worthy events to the audit service collaborator.
type Emitter interface {
	Emit(ctx context.Context, event models.AuditEvent)
}

// NewEvent builds a sanitized audit event.
func NewEvent(action models.AuditAction, patientID, outcome string, attrs map[string]string) models.AuditEvent {
	return Sanitize(models.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		PatientID:  patientID,
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

func Sanitize(event models.AuditEvent) models.AuditEvent {
	if len(event.Attributes) == 0 {
		event.Attributes = nil
		return event
	}
	clean := make(map[string]string, len(event.Attributes))
	for k, v := range event.Attributes {
		if _, ok := allowedAttributes[k]; ok {
			clean[k] = redact.Default().String(v)
		}
	}
	event.Attributes = clean
	return event
}

type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, event models.AuditEvent) {
	event = Sanitize(event)
	fields := logrus.Fields{
		"audit_id":   event.ID,
		"action":     event.Action,
		"patient_id": event.PatientID,
		"outcome":    event.Outcome,
	}
	for k, v := range event.Attributes {
		fields["attr_"+k] = v
	}
	logger.WithFields(fields).Info("audit event")
}

type publisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

// KafkaEmitter publishes audit events keyed by patient. Events that cannot be
// published go to the dead-letter topic when one is configured.
type KafkaEmitter struct {
	producer publisher
	dlq      publisher
	source   string
}

func NewKafkaEmitter(producer, dlq publisher, source string) *KafkaEmitter {
	return &KafkaEmitter{producer: producer, dlq: dlq, source: source}
}

func (k *KafkaEmitter) Emit(ctx context.Context, event models.AuditEvent) {
	event = Sanitize(event)
	data := eventData(event)
	ctx = context.WithoutCancel(ctx)

	err := k.producer.PublishEvent(ctx, eventType, k.source, event.PatientID, data)
	if err == nil {
		return
	}
	log := logger.WithFields(logrus.Fields{"audit_id": event.ID, "action": event.Action, "patient_id": event.PatientID})
	if k.dlq == nil {
		log.WithError(err).Error("failed to publish audit event")
		return
	}
	data["error_kind"] = "publish_failed"
	if dlqErr := k.dlq.PublishEvent(ctx, eventType, k.source, event.PatientID, data); dlqErr != nil {
		log.WithError(dlqErr).Error("failed to publish audit event to dlq")
		return
	}
	log.WithError(err).Warn("audit event routed to dlq")
}

func eventData(event models.AuditEvent) map[string]interface{} {
	data := map[string]interface{}{
		"id":         event.ID,
		"action":     string(event.Action),
		"patient_id": event.PatientID,
		"outcome":    event.Outcome,
		"timestamp":  event.Timestamp,
	}
	if len(event.Attributes) > 0 {
		attrs := make(map[string]interface{}, len(event.Attributes))
		for k, v := range event.Attributes {
			attrs[k] = v
		}
		data["attributes"] = attrs
	}
	return data
}

// Fanout emits to every emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, event models.AuditEvent) {
	for _, e := range f {
		e.Emit(ctx, event)
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *Recorder) Emit(_ context.Context, event models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Sanitize(event))
}

func (r *Recorder) Events() []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditEvent(nil), r.events...)
}

// Actions returns the recorded action/outcome pairs in order.
func (r *Recorder) Actions() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, string(e.Action)+":"+e.Outcome)
	}
	return out
}
