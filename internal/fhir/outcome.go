package fhir

import (
	"encoding/json"
	"strings"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// OperationOutcome is FHIR's error reporting resource
type OperationOutcome struct {
	r4.OperationOutcome
}

// issueText picks diagnostics, then details.text, then the issue code
func issueText(i r4.OperationOutcomeIssue) string {
	var details string
	if i.Details != nil {
		details = str(i.Details.Text)
	}
	return firstPresent(str(i.Diagnostics), details, i.Code.Code())
}

// Summary joins the text of every issue with " | "
func (o *OperationOutcome) Summary() string {
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		if text := issueText(issue); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " | ")
}

// DecodeOperationOutcome reports whether data is an OperationOutcome with at
// least one describable issue.
func DecodeOperationOutcome(data []byte) (*OperationOutcome, bool) {
	rt, err := resourceType(data)
	if err != nil || (rt != "" && rt != "OperationOutcome") {
		return nil, false
	}
	var outcome OperationOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, false
	}
	if outcome.Summary() == "" {
		return nil, false
	}
	return &outcome, true
}
