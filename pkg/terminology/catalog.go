package terminology

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"gopkg.in/yaml.v3"
)

type Concept struct {
	Display  string          `yaml:"display" json:"display"`
	Category models.Category `yaml:"category" json:"category"`
	Aliases  []string        `yaml:"aliases" json:"aliases"`
	SNOMED   string          `yaml:"snomed" json:"snomed"`
	LOINC    string          `yaml:"loinc" json:"loinc"`
	ICD10    string          `yaml:"icd10" json:"icd10"`
	RxNorm   string          `yaml:"rxnorm" json:"rxnorm"`
}

// Catalog maps clinical names and their aliases onto one canonical concept
// per category, so that "HTN" and "Hypertension" key to the same fact.
type Catalog struct {
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`

	index map[models.Category]map[string]string
}

func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, err
	}
	if len(cat.Concepts) == 0 {
		return nil, fmt.Errorf("terminology catalog empty")
	}
	cat.buildIndex()
	return &cat, nil
}

func (c *Catalog) buildIndex() {
	c.index = make(map[models.Category]map[string]string)
	for key, concept := range c.Concepts {
		canonical := Normalize(key)
		byName, ok := c.index[concept.Category]
		if !ok {
			byName = make(map[string]string)
			c.index[concept.Category] = byName
		}
		byName[canonical] = canonical
		if concept.Display != "" {
			byName[Normalize(concept.Display)] = canonical
		}
		for _, alias := range concept.Aliases {
			byName[Normalize(alias)] = canonical
		}
	}
}

// Canonical returns the canonical normalized name for a clinical term in a
// category. Unknown terms come back normalized but otherwise unchanged.
func (c *Catalog) Canonical(category models.Category, name string) string {
	normalized := Normalize(name)
	if c == nil || c.index == nil {
		return normalized
	}
	if canonical, ok := c.index[category][normalized]; ok {
		return canonical
	}
	return normalized
}

func DefaultCatalog() *Catalog {
	cat := &Catalog{Concepts: map[string]Concept{
		"hypertension": {
			Display:  "Hypertension",
			Category: models.CategoryDiagnosis,
			Aliases:  []string{"htn", "high blood pressure", "essential hypertension"},
			SNOMED:   "38341003",
			ICD10:    "I10",
		},
		"type 2 diabetes mellitus": {
			Display:  "Type 2 Diabetes Mellitus",
			Category: models.CategoryDiagnosis,
			Aliases:  []string{"t2dm", "dm2", "type ii diabetes", "diabetes mellitus type 2"},
			SNOMED:   "44054006",
			ICD10:    "E11",
		},
		"metformin": {
			Display:  "Metformin",
			Category: models.CategoryMedication,
			Aliases:  []string{"metformin hydrochloride", "metformin hcl", "glucophage"},
			RxNorm:   "6809",
		},
		"penicillin": {
			Display:  "Penicillin",
			Category: models.CategoryAllergy,
			Aliases:  []string{"pcn", "penicillins"},
			SNOMED:   "764146007",
		},
		"hemoglobin a1c": {
			Display:  "Hemoglobin A1c",
			Category: models.CategoryLabTest,
			Aliases:  []string{"hba1c", "a1c", "glycated hemoglobin"},
			LOINC:    "4548-4",
		},
		"blood glucose": {
			Display:  "Blood Glucose",
			Category: models.CategoryLabTest,
			Aliases:  []string{"blood-glucose", "glucose", "bg"},
			LOINC:    "2339-0",
		},
	}}
	cat.buildIndex()
	return cat
}
