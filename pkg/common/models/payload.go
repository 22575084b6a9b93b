package models

// Field is one named payload value, used for comparison and conflict reporting.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type DiagnosisPayload struct {
	Condition string `json:"condition"`
	Severity  string `json:"severity,omitempty"`
	Code      string `json:"code,omitempty"`
}

type MedicationPayload struct {
	Name      string      `json:"name"`
	Dosage    string      `json:"dosage,omitempty"`
	Frequency string      `json:"frequency,omitempty"`
	Route     string      `json:"route,omitempty"`
	EndDate   PartialDate `json:"end_date"`
}

type ProcedurePayload struct {
	Name      string `json:"name"`
	Outcome   string `json:"outcome,omitempty"`
	Performer string `json:"performer,omitempty"`
	BodySite  string `json:"body_site,omitempty"`
}

type AllergyPayload struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
	Severity string `json:"severity,omitempty"`
}

type LabTestPayload struct {
	TestName       string `json:"test_name"`
	Value          string `json:"value,omitempty"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
}

// Payload holds exactly one category-specific variant.
type Payload struct {
	Diagnosis  *DiagnosisPayload  `json:"diagnosis,omitempty"`
	Medication *MedicationPayload `json:"medication,omitempty"`
	Procedure  *ProcedurePayload  `json:"procedure,omitempty"`
	Allergy    *AllergyPayload    `json:"allergy,omitempty"`
	LabTest    *LabTestPayload    `json:"lab_test,omitempty"`
}

// Category reports which variant is set. ok is false when none or more than one is set.
func (p Payload) Category() (Category, bool) {
	var found []Category
	if p.Diagnosis != nil {
		found = append(found, CategoryDiagnosis)
	}
	if p.Medication != nil {
		found = append(found, CategoryMedication)
	}
	if p.Procedure != nil {
		found = append(found, CategoryProcedure)
	}
	if p.Allergy != nil {
		found = append(found, CategoryAllergy)
	}
	if p.LabTest != nil {
		found = append(found, CategoryLabTest)
	}
	if len(found) != 1 {
		return "", false
	}
	return found[0], true
}

// Fields returns the variant's values in a fixed order.
func (p Payload) Fields() []Field {
	switch {
	case p.Diagnosis != nil:
		d := p.Diagnosis
		return []Field{{"condition", d.Condition}, {"severity", d.Severity}, {"code", d.Code}}
	case p.Medication != nil:
		m := p.Medication
		return []Field{{"name", m.Name}, {"dosage", m.Dosage}, {"frequency", m.Frequency}, {"route", m.Route}, {"end_date", m.EndDate.String()}}
	case p.Procedure != nil:
		pr := p.Procedure
		return []Field{{"name", pr.Name}, {"outcome", pr.Outcome}, {"performer", pr.Performer}, {"body_site", pr.BodySite}}
	case p.Allergy != nil:
		a := p.Allergy
		return []Field{{"allergen", a.Allergen}, {"reaction", a.Reaction}, {"severity", a.Severity}}
	case p.LabTest != nil:
		l := p.LabTest
		return []Field{{"test_name", l.TestName}, {"value", l.Value}, {"unit", l.Unit}, {"reference_range", l.ReferenceRange}, {"interpretation", l.Interpretation}}
	}
	return nil
}

// Label is the primary display name of the fact.
func (p Payload) Label() string {
	switch {
	case p.Diagnosis != nil:
		return p.Diagnosis.Condition
	case p.Medication != nil:
		return p.Medication.Name
	case p.Procedure != nil:
		return p.Procedure.Name
	case p.Allergy != nil:
		return p.Allergy.Allergen
	case p.LabTest != nil:
		return p.LabTest.TestName
	}
	return ""
}
