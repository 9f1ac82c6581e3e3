package fhir

import (
	"encoding/json"
	"errors"
	"fmt"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ErrNotBundle indicates a well-formed resource that is not a Bundle
var ErrNotBundle = errors.New("resource is not a bundle")

// DecodeConditions decodes a Condition search Bundle. Entries without a
// resource and entries of other resource types (e.g. search outcomes) are
// skipped. A body that names another resourceType returns ErrNotBundle.
func DecodeConditions(data []byte) ([]Condition, error) {
	rt, err := resourceType(data)
	if err != nil {
		return nil, fmt.Errorf("decoding condition bundle: %w", err)
	}
	if rt != "" && rt != "Bundle" {
		return nil, fmt.Errorf("%w: got %s", ErrNotBundle, rt)
	}

	var bundle r4.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decoding condition bundle: %w", err)
	}

	conditions := make([]Condition, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 || string(entry.Resource) == "null" {
			continue
		}
		rt, err := resourceType(entry.Resource)
		if err != nil {
			return nil, fmt.Errorf("decoding bundle entry %d: %w", i, err)
		}
		if rt != "" && rt != "Condition" {
			continue
		}
		var cond Condition
		if err := json.Unmarshal(entry.Resource, &cond); err != nil {
			return nil, fmt.Errorf("decoding bundle entry %d: %w", i, err)
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}
