// Package fhir decodes the FHIR resources and broker payloads used by the
// SMART launch flow. FHIR resources are the R4 models of golang-fhir-models
// with the display derivations the launch screens need on top.
package fhir

import (
	"encoding/json"
	"strings"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// conceptText returns the concept text, falling back to the first coding's
// display and then its code. It returns "" when none is present.
func conceptText(c *r4.CodeableConcept) string {
	if c == nil {
		return ""
	}
	if text := str(c.Text); text != "" {
		return text
	}
	if len(c.Coding) > 0 {
		return firstPresent(str(c.Coding[0].Display), str(c.Coding[0].Code))
	}
	return ""
}

// resourceType peeks at the resourceType of a JSON resource
func resourceType(data []byte) (string, error) {
	var header struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return "", err
	}
	return header.ResourceType, nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// firstPresent returns the first non-empty value
func firstPresent(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}
