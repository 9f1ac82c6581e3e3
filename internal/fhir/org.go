package fhir

import (
	"encoding/json"
	"fmt"
)

// UnknownOrganization is shown for matches without any name field
const UnknownOrganization = "Unknown Organization"

// OrgMatch is one organization returned by the issuer resolver. The backend
// uses several alias fields for the same concepts.
type OrgMatch struct {
	Name         string `json:"name,omitempty"`
	Iss          string `json:"iss,omitempty"`
	FHIRBase     string `json:"fhir_base,omitempty"`
	URL          string `json:"url,omitempty"`
	Org          string `json:"org,omitempty"`
	Organization string `json:"organization,omitempty"`
	Brand        string `json:"brand,omitempty"`
}

// DisplayName returns the first of name, organization, org and brand
func (m OrgMatch) DisplayName() string {
	return firstPresent(m.Name, m.Organization, m.Org, m.Brand, UnknownOrganization)
}

// ResolvedIss returns the first of iss, fhir_base and url. Matches without
// one cannot be launched.
func (m OrgMatch) ResolvedIss() string {
	return firstPresent(m.Iss, m.FHIRBase, m.URL)
}

// Selectable reports whether the match resolves to an issuer
func (m OrgMatch) Selectable() bool {
	return m.ResolvedIss() != ""
}

// orgSearchWrapper holds the object shapes the resolver may answer with.
// Field order is the lookup priority.
type orgSearchWrapper struct {
	Matches       []OrgMatch `json:"matches"`
	Results       []OrgMatch `json:"results"`
	Organizations []OrgMatch `json:"organizations"`
	Data          []OrgMatch `json:"data"`
}

// DecodeOrgMatches accepts a bare JSON array of matches or an object wrapping
// the array under matches, results, organizations or data. The first wrapper
// key present wins, even when its array is empty.
func DecodeOrgMatches(data []byte) ([]OrgMatch, error) {
	var matches []OrgMatch
	if err := json.Unmarshal(data, &matches); err == nil {
		if matches == nil {
			matches = []OrgMatch{}
		}
		return matches, nil
	}

	var wrapper orgSearchWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decoding organization matches: %w", err)
	}

	for _, candidate := range [][]OrgMatch{wrapper.Matches, wrapper.Results, wrapper.Organizations, wrapper.Data} {
		if candidate != nil {
			return candidate, nil
		}
	}
	return []OrgMatch{}, nil
}
