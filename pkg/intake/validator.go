package intake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// fieldAliases lists the raw keys accepted for each payload field, in priority order.
var fieldAliases = map[models.Category]map[string][]string{
	models.CategoryDiagnosis: {
		"condition": {"condition", "diagnosis", "name", "description"},
		"severity":  {"severity"},
		"code":      {"code", "icd10"},
	},
	models.CategoryMedication: {
		"name":      {"name", "medication", "drug"},
		"dosage":    {"dosage", "dose", "strength"},
		"frequency": {"frequency", "schedule"},
		"route":     {"route"},
		"end_date":  {"end_date", "stop_date"},
	},
	models.CategoryProcedure: {
		"name":      {"name", "procedure", "description"},
		"outcome":   {"outcome", "result"},
		"performer": {"performer", "provider"},
		"body_site": {"body_site", "site"},
	},
	models.CategoryAllergy: {
		"allergen": {"allergen", "substance", "name"},
		"reaction": {"reaction"},
		"severity": {"severity"},
	},
	models.CategoryLabTest: {
		"test_name":       {"test_name", "test", "name"},
		"value":           {"value", "result"},
		"unit":            {"unit", "units"},
		"reference_range": {"reference_range", "range"},
		"interpretation":  {"interpretation", "flag"},
	},
}

type validator struct {
	rules RuleSet
}

// build turns one raw entity into a typed payload, or a ValidationError.
func (v validator) build(documentID string, index int, raw models.RawEntity) (models.Category, models.Payload, models.PartialDate, error) {
	category, ok := models.ParseCategory(strings.ToLower(strings.TrimSpace(raw.Category)))
	if !ok {
		return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Kind: KindUnknownCategory}
	}
	rule, ok := v.rules.Rule(category)
	if !ok {
		return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Category: category, Kind: KindUnknownCategory}
	}

	eventDate, err := models.ParsePartialDate(raw.EventDate)
	if err != nil {
		return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Category: category, Field: "event_date", Kind: KindInvalidDate}
	}

	lookup := func(field string) string {
		for _, key := range fieldAliases[category][field] {
			if s := getString(raw.Fields[key]); s != "" {
				return s
			}
		}
		return ""
	}

	payload, err := buildPayload(category, lookup)
	if err != nil {
		return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Category: category, Field: "end_date", Kind: KindInvalidDate}
	}

	present := make(map[string]bool)
	for _, f := range payload.Fields() {
		present[f.Name] = f.Value != ""
	}
	for _, field := range rule.Required {
		if !present[field] {
			return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Category: category, Field: field, Kind: KindMissingField}
		}
	}
	if len(rule.AnyOf) > 0 {
		found := false
		for _, field := range rule.AnyOf {
			if present[field] {
				found = true
				break
			}
		}
		if !found {
			return "", models.Payload{}, models.PartialDate{}, ValidationError{DocumentID: documentID, Index: index, Category: category, Field: strings.Join(rule.AnyOf, "|"), Kind: KindMissingFields}
		}
	}

	return category, payload, eventDate, nil
}

func buildPayload(category models.Category, get func(string) string) (models.Payload, error) {
	switch category {
	case models.CategoryDiagnosis:
		return models.Payload{Diagnosis: &models.DiagnosisPayload{
			Condition: get("condition"),
			Severity:  get("severity"),
			Code:      get("code"),
		}}, nil
	case models.CategoryMedication:
		end, err := models.ParsePartialDate(get("end_date"))
		if err != nil {
			return models.Payload{}, err
		}
		return models.Payload{Medication: &models.MedicationPayload{
			Name:      get("name"),
			Dosage:    get("dosage"),
			Frequency: get("frequency"),
			Route:     get("route"),
			EndDate:   end,
		}}, nil
	case models.CategoryProcedure:
		return models.Payload{Procedure: &models.ProcedurePayload{
			Name:      get("name"),
			Outcome:   get("outcome"),
			Performer: get("performer"),
			BodySite:  get("body_site"),
		}}, nil
	case models.CategoryAllergy:
		return models.Payload{Allergy: &models.AllergyPayload{
			Allergen: get("allergen"),
			Reaction: get("reaction"),
			Severity: get("severity"),
		}}, nil
	case models.CategoryLabTest:
		return models.Payload{LabTest: &models.LabTestPayload{
			TestName:       get("test_name"),
			Value:          get("value"),
			Unit:           get("unit"),
			ReferenceRange: get("reference_range"),
			Interpretation: get("interpretation"),
		}}, nil
	}
	return models.Payload{}, fmt.Errorf("unsupported category %s", category)
}

func getString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}
