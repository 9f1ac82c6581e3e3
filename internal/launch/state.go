package launch

import (
	"github.com/wrale/smart-launch/internal/fhir"
)

// Phase is the position of the launch flow
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAuthorizing        Phase = "authorizing"
	PhaseAwaitingCallback   Phase = "awaiting_callback"
	PhaseExchangingToken    Phase = "exchanging_token"
	PhaseFetchingPatient    Phase = "fetching_patient"
	PhaseFetchingConditions Phase = "fetching_conditions"
	PhaseDone               Phase = "done"
	PhaseFailed             Phase = "failed"
)

// Snapshot is the observable state of an Orchestrator
type Snapshot struct {
	Phase   Phase  `json:"phase"`
	Loading bool   `json:"loading"`
	Attempt string `json:"attempt,omitempty"`

	Patient           *fhir.Patient    `json:"patient,omitempty"`
	Conditions        []fhir.Condition `json:"conditions"`
	LoadingConditions bool             `json:"loading_conditions"`
	FHIRUser          string           `json:"fhir_user,omitempty"`

	Error           string `json:"error,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ConditionsError string `json:"conditions_error,omitempty"`

	Searching  bool            `json:"searching"`
	OrgResults []fhir.OrgMatch `json:"org_results"`
}

// clone copies the slices so subscribers never share backing arrays
func (s Snapshot) clone() Snapshot {
	if s.Conditions != nil {
		s.Conditions = append([]fhir.Condition(nil), s.Conditions...)
	}
	if s.OrgResults != nil {
		s.OrgResults = append([]fhir.OrgMatch(nil), s.OrgResults...)
	}
	return s
}

// QuickPick is a preconfigured issuer offered without a search
type QuickPick struct {
	Name string `json:"name"`
	Iss  string `json:"iss"`
}

// DefaultQuickPicks are offered when no list is configured
var DefaultQuickPicks = []QuickPick{
	{Name: "Sandbox", Iss: DefaultSandboxIss},
	{Name: "Duke", Iss: "https://health-apis.duke.edu/FHIR/api/FHIR/R4"},
	{Name: "UCLA", Iss: "https://arrprox.mednet.ucla.edu/FHIRPRD/api/FHIR/R4"},
}
