package intake

import (
	"strings"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/terminology"
)

// Keyer derives semantic keys: the normalized identity used to group
// entities asserting the same fact across documents.
type Keyer struct {
	rules   RuleSet
	catalog *terminology.Catalog
}

func NewKeyer(rules RuleSet, catalog *terminology.Catalog) *Keyer {
	return &Keyer{rules: rules, catalog: catalog}
}

// CanonicalName resolves the payload label through the terminology catalog.
func (k *Keyer) CanonicalName(category models.Category, payload models.Payload) string {
	return k.catalog.Canonical(category, payload.Label())
}

// Key formats as "<category>:<field>[|<field>...][@<window>]".
func (k *Keyer) Key(category models.Category, payload models.Payload, eventDate models.PartialDate) string {
	rule, _ := k.rules.Rule(category)
	values := make(map[string]string)
	for _, f := range payload.Fields() {
		values[f.Name] = f.Value
	}

	parts := make([]string, 0, len(rule.KeyFields))
	for i, field := range rule.KeyFields {
		if i == 0 {
			parts = append(parts, k.catalog.Canonical(category, values[field]))
			continue
		}
		parts = append(parts, terminology.Normalize(values[field]))
	}

	key := string(category) + ":" + strings.Join(parts, "|")
	if window := dateWindow(eventDate, rule.DateWindowDays); window != "" {
		key += "@" + window
	}
	return key
}

func dateWindow(d models.PartialDate, days int) string {
	if days <= 0 {
		return ""
	}
	if d.IsZero() {
		return "undated"
	}
	if d.Precision < models.PrecisionDay {
		return d.String()
	}
	epochDay := d.LowerBound().Unix() / 86400
	size := int64(days)
	start := epochDay - mod(epochDay, size)
	return models.DayOf(time.Unix(start*86400, 0)).String()
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
