package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// CategoryRule holds the reconciliation rules for one category.
//
// KeyFields are the payload fields that make up the semantic key.
// DateWindowDays buckets the event date into fixed windows anchored at the
// Unix epoch; 0 leaves the date out of the key entirely.
type CategoryRule struct {
	Required       []string `yaml:"required" json:"required"`
	AnyOf          []string `yaml:"any_of" json:"any_of"`
	KeyFields      []string `yaml:"key_fields" json:"key_fields"`
	DateWindowDays int      `yaml:"date_window_days" json:"date_window_days"`
}

type RuleSet struct {
	Categories map[models.Category]CategoryRule `yaml:"categories" json:"categories"`
}

func (r RuleSet) Rule(category models.Category) (CategoryRule, bool) {
	rule, ok := r.Categories[category]
	return rule, ok
}

// WithWindow returns a copy of the rule set with one category's window changed.
func (r RuleSet) WithWindow(category models.Category, days int) RuleSet {
	out := RuleSet{Categories: make(map[models.Category]CategoryRule, len(r.Categories))}
	for k, v := range r.Categories {
		out.Categories[k] = v
	}
	rule := out.Categories[category]
	rule.DateWindowDays = days
	out.Categories[category] = rule
	return out
}

func DefaultRuleSet() RuleSet {
	return RuleSet{Categories: map[models.Category]CategoryRule{
		models.CategoryDiagnosis: {
			Required:  []string{"condition"},
			KeyFields: []string{"condition"},
		},
		models.CategoryMedication: {
			Required:       []string{"name"},
			AnyOf:          []string{"dosage", "frequency"},
			KeyFields:      []string{"name"},
			DateWindowDays: 1,
		},
		models.CategoryProcedure: {
			Required:       []string{"name"},
			KeyFields:      []string{"name"},
			DateWindowDays: 1,
		},
		models.CategoryAllergy: {
			Required:  []string{"allergen"},
			KeyFields: []string{"allergen"},
		},
		models.CategoryLabTest: {
			Required:       []string{"test_name"},
			AnyOf:          []string{"value", "interpretation"},
			KeyFields:      []string{"test_name"},
			DateWindowDays: 1,
		},
	}}
}

// LoadRuleSet reads a YAML rule set. Categories missing from the file keep
// their defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRuleSet(), err
	}

	var file RuleSet
	if err := yaml.Unmarshal(content, &file); err != nil {
		return RuleSet{}, err
	}
	if len(file.Categories) == 0 {
		return RuleSet{}, errors.New("no category rules configured")
	}

	rules := DefaultRuleSet()
	for category, rule := range file.Categories {
		canonical, ok := models.ParseCategory(string(category))
		if !ok {
			return RuleSet{}, fmt.Errorf("unknown category %q in rule set", category)
		}
		if rule.DateWindowDays < 0 {
			return RuleSet{}, fmt.Errorf("negative date window for %s", category)
		}
		if len(rule.KeyFields) == 0 {
			rule.KeyFields = rules.Categories[canonical].KeyFields
		}
		rules.Categories[canonical] = rule
	}
	return rules, nil
}
