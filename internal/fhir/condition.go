package fhir

import (
	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// DefaultConditionTitle is used when a condition has no coded display
const DefaultConditionTitle = "Condition"

// Condition is an R4 Condition from the patient's condition search
type Condition struct {
	r4.Condition
}

// ID is the logical id, or "" when absent
func (c *Condition) ID() string {
	return str(c.Id)
}

// Title is the display text of the condition code
func (c *Condition) Title() string {
	return firstPresent(conceptText(c.Code), DefaultConditionTitle)
}

// Status prefers the clinical status over the verification status.
// An empty string means neither is present.
func (c *Condition) Status() string {
	return firstPresent(conceptText(c.ClinicalStatus), conceptText(c.VerificationStatus))
}

// Onset prefers onsetDateTime over recordedDate
func (c *Condition) Onset() string {
	return firstPresent(str(c.OnsetDateTime), str(c.RecordedDate))
}
