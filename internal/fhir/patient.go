package fhir

import (
	"strings"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// UnknownName is shown when a patient carries no usable name
const UnknownName = "Unknown"

// Patient is an R4 Patient as returned for the launch context
type Patient struct {
	r4.Patient
}

// ID is the logical id, or "" when absent
func (p *Patient) ID() string {
	if p == nil {
		return ""
	}
	return str(p.Id)
}

// DisplayName derives a name from the first HumanName: its text, then the
// given names joined with the family name, then UnknownName.
func (p *Patient) DisplayName() string {
	if p == nil || len(p.Name) == 0 {
		return UnknownName
	}
	first := p.Name[0]
	if text := str(first.Text); text != "" {
		return text
	}

	full := joinNonEmpty(" ", strings.Join(first.Given, " "), str(first.Family))
	if full == "" {
		return UnknownName
	}
	return full
}

// IdentifierDisplay renders identifiers with a value as "system: value",
// or just the value when the system is empty.
func (p *Patient) IdentifierDisplay() []string {
	if p == nil {
		return nil
	}
	lines := make([]string, 0, len(p.Identifier))
	for _, id := range p.Identifier {
		value := str(id.Value)
		if value == "" {
			continue
		}
		if system := str(id.System); system != "" {
			lines = append(lines, system+": "+value)
			continue
		}
		lines = append(lines, value)
	}
	return lines
}
