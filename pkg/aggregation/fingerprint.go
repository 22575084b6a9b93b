package aggregation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
)

// comparableFields returns the payload fields in the form they are compared
// across documents. The label, always the first field, is replaced by the
// canonical name when the entity carries one.
func comparableFields(e models.MedicalEntity) []models.Field {
	fields := e.Payload.Fields()
	for i := range fields {
		fields[i].Value = terminology.Normalize(fields[i].Value)
	}
	if len(fields) > 0 && e.CanonicalName != "" {
		fields[0].Value = e.CanonicalName
	}
	return fields
}

// payloadFingerprint identifies the asserted value of a fact: every payload
// field plus status, compared case and whitespace insensitively.
func payloadFingerprint(e models.MedicalEntity) string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	for _, f := range comparableFields(e) {
		b.WriteByte(0)
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	b.WriteByte(0)
	b.WriteString("status=")
	b.WriteString(terminology.Normalize(e.Status))
	return hash(b.String())
}

// entityFingerprint additionally distinguishes the event date, so two
// assertions of one value at different dates stay separate records.
func entityFingerprint(e models.MedicalEntity) string {
	return hash(payloadFingerprint(e) + "@" + e.EventDate.String())
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
