package gateway

import (
	"errors"
	"fmt"
)

// ErrNoIDToken indicates the token response carried no id_token
var ErrNoIDToken = errors.New("no id_token in token response")

// snippetLimit bounds the raw body carried by UnexpectedResponseError
const snippetLimit = 400

// HTTPError is returned for any non-2xx response
type HTTPError struct {
	Status  int
	Body    string
	HasBody bool // false when the body was not valid UTF-8
}

func (e *HTTPError) Error() string {
	if e.HasBody && e.Body != "" {
		return fmt.Sprintf("Server error (%d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("Server error (%d).", e.Status)
}

// FHIROutcomeError reports a FHIR OperationOutcome returned instead of the
// expected resource
type FHIROutcomeError struct {
	Detail string
}

func (e *FHIROutcomeError) Error() string {
	return "FHIR error: " + e.Detail
}

// UnexpectedResponseError carries the start of a FHIR response body that
// was neither the expected resource nor an OperationOutcome
type UnexpectedResponseError struct {
	Snippet string
}

func (e *UnexpectedResponseError) Error() string {
	return "Unexpected FHIR response: " + e.Snippet
}

func snippet(body []byte) string {
	runes := []rune(string(body))
	if len(runes) > snippetLimit {
		runes = runes[:snippetLimit]
	}
	return string(runes)
}
