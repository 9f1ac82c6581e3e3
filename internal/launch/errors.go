package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/wrale/smart-launch/internal/gateway"
)

// Kind classifies a launch flow failure
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidURL
	KindAuthSessionFailed
	KindMissingCallback
	KindMissingCode
	KindMissingState
	KindStateMismatch
	KindMissingVerifier
	KindMissingPatient
	KindUserCancelled
	KindInvalidHTMLCapture
	KindFHIROperationOutcome
	KindUnexpectedFHIRResponse
	KindHTTP
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindInvalidURL:             "invalid_url",
	KindAuthSessionFailed:      "auth_session_failed",
	KindMissingCallback:        "missing_callback",
	KindMissingCode:            "missing_code",
	KindMissingState:           "missing_state",
	KindStateMismatch:          "state_mismatch",
	KindMissingVerifier:        "missing_verifier",
	KindMissingPatient:         "missing_patient",
	KindUserCancelled:          "user_cancelled",
	KindInvalidHTMLCapture:     "invalid_html_capture",
	KindFHIROperationOutcome:   "fhir_operation_outcome",
	KindUnexpectedFHIRResponse: "unexpected_fhir_response",
	KindHTTP:                   "http_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Errors of the launch flow. A *FlowError matches the sentinel of its kind
// with errors.Is.
var (
	// ErrInvalidURL indicates a malformed authorization URL
	ErrInvalidURL = errors.New("invalid URL")

	// ErrAuthSessionFailed indicates the browser session could not run
	ErrAuthSessionFailed = errors.New("authentication session failed")

	// ErrMissingCallback indicates the browser session ended without a callback
	ErrMissingCallback = errors.New("missing callback")

	// ErrMissingCode indicates a callback without an authorization code
	ErrMissingCode = errors.New("missing authorization code")

	// ErrMissingState indicates a callback without a state parameter
	ErrMissingState = errors.New("missing state")

	// ErrStateMismatch indicates the callback state differs from the stored state
	ErrStateMismatch = errors.New("state mismatch")

	// ErrMissingVerifier indicates no code verifier was stored for the attempt
	ErrMissingVerifier = errors.New("missing code verifier")

	// ErrMissingPatient indicates a token response without patient context
	ErrMissingPatient = errors.New("token response missing patient")

	// ErrUserCancelled indicates the user abandoned authentication
	ErrUserCancelled = errors.New("user cancelled")

	// ErrInvalidHTMLCapture indicates a sandbox page could not be captured
	ErrInvalidHTMLCapture = errors.New("invalid HTML capture")

	// ErrForceContinue is returned by the sandbox bridge when the operator
	// asks to fall back to the standard browser session
	ErrForceContinue = errors.New("continue in standard browser")
)

var sentinels = map[Kind]error{
	KindInvalidURL:         ErrInvalidURL,
	KindAuthSessionFailed:  ErrAuthSessionFailed,
	KindMissingCallback:    ErrMissingCallback,
	KindMissingCode:        ErrMissingCode,
	KindMissingState:       ErrMissingState,
	KindStateMismatch:      ErrStateMismatch,
	KindMissingVerifier:    ErrMissingVerifier,
	KindMissingPatient:     ErrMissingPatient,
	KindUserCancelled:      ErrUserCancelled,
	KindInvalidHTMLCapture: ErrInvalidHTMLCapture,
}

var messages = map[Kind]string{
	KindInvalidURL:         "Invalid URL.",
	KindAuthSessionFailed:  "Failed to start web authentication session.",
	KindMissingCallback:    "Missing OAuth callback.",
	KindMissingCode:        "Missing authorization code.",
	KindMissingState:       "Missing OAuth state.",
	KindStateMismatch:      "State mismatch. Please try again.",
	KindMissingVerifier:    "Missing code verifier.",
	KindMissingPatient:     "Token response did not include a patient.",
	KindUserCancelled:      "Authentication was cancelled.",
	KindInvalidHTMLCapture: "Unable to capture HTML content.",
}

// FlowError is a classified launch failure. Error returns the message shown
// to the user; the underlying cause stays reachable through Unwrap.
type FlowError struct {
	Kind   Kind
	Detail string // outcome summary, response snippet or HTTP body
	Status int    // HTTP status for KindHTTP
	Err    error
}

func newError(kind Kind) *FlowError {
	return &FlowError{Kind: kind}
}

func (e *FlowError) Error() string {
	switch e.Kind {
	case KindFHIROperationOutcome:
		return "FHIR error: " + e.Detail
	case KindUnexpectedFHIRResponse:
		return "Unexpected FHIR response: " + e.Detail
	case KindHTTP:
		if e.Detail != "" {
			return fmt.Sprintf("Server error (%d): %s", e.Status, e.Detail)
		}
		return fmt.Sprintf("Server error (%d).", e.Status)
	}
	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "Unknown error."
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the kind
func (e *FlowError) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && target == sentinel
}

// Classify maps any error from the flow onto a *FlowError. Gateway error
// types and sentinels keep their kind; anything else is KindUnknown.
func Classify(err error) *FlowError {
	if err == nil {
		return nil
	}

	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}

	var httpErr *gateway.HTTPError
	if errors.As(err, &httpErr) {
		return &FlowError{Kind: KindHTTP, Status: httpErr.Status, Detail: httpErr.Body, Err: err}
	}
	var outcome *gateway.FHIROutcomeError
	if errors.As(err, &outcome) {
		return &FlowError{Kind: KindFHIROperationOutcome, Detail: outcome.Detail, Err: err}
	}
	var unexpected *gateway.UnexpectedResponseError
	if errors.As(err, &unexpected) {
		return &FlowError{Kind: KindUnexpectedFHIRResponse, Detail: unexpected.Snippet, Err: err}
	}

	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return &FlowError{Kind: kind, Err: err}
		}
	}
	return &FlowError{Kind: KindUnknown, Err: err}
}

// presentationError classifies a failure of the browser session. Anything
// not already known is an AuthSessionFailed.
func presentationError(err error) *FlowError {
	var flowErr *FlowError
	switch {
	case errors.As(err, &flowErr):
		return flowErr
	case errors.Is(err, ErrUserCancelled), errors.Is(err, context.Canceled):
		return &FlowError{Kind: KindUserCancelled, Err: err}
	case errors.Is(err, ErrMissingCallback):
		return &FlowError{Kind: KindMissingCallback, Err: err}
	}
	return &FlowError{Kind: KindAuthSessionFailed, Err: err}
}
