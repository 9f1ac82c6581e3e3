// Package flow serves the launch page and the JSON endpoints that start a
// launch and report its progress.
package flow

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/common"
	"github.com/wrale/smart-launch/internal/fhir"
	"github.com/wrale/smart-launch/internal/launch"
	"github.com/wrale/smart-launch/internal/templates"
)

// Orchestrator is the part of launch.Orchestrator the handlers use
type Orchestrator interface {
	Launch(ctx context.Context, iss string) (<-chan struct{}, bool)
	Cancel() bool
	Snapshot() launch.Snapshot
	QuickPicks() []launch.QuickPick
	SearchOrganizations(ctx context.Context, query string) ([]fhir.OrgMatch, error)
}

// Handler serves the launch endpoints
type Handler struct {
	orch      Orchestrator
	templates *templates.Templates
	base      context.Context
	logger    zerolog.Logger
}

// New creates the launch handlers. Flows started over HTTP run under
// base, not under the request that started them.
func New(base context.Context, orch Orchestrator, tmpls *templates.Templates, logger zerolog.Logger) *Handler {
	return &Handler{
		orch:      orch,
		templates: tmpls,
		base:      base,
		logger:    logger,
	}
}

// Org is one organization search result
type Org struct {
	Name       string `json:"name"`
	Iss        string `json:"iss,omitempty"`
	Selectable bool   `json:"selectable"`
}

func toOrgs(matches []fhir.OrgMatch) []Org {
	orgs := make([]Org, 0, len(matches))
	for _, m := range matches {
		orgs = append(orgs, Org{
			Name:       m.DisplayName(),
			Iss:        m.ResolvedIss(),
			Selectable: m.Selectable(),
		})
	}
	return orgs
}

// Launch starts a flow for the iss form or query value
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		common.WriteError(w, "invalid_request", "Invalid form body")
		return
	}

	iss := strings.TrimSpace(r.Form.Get("iss"))
	if iss == "" {
		common.WriteError(w, "invalid_request", "Missing iss parameter")
		return
	}

	_, started := h.orch.Launch(h.base, iss)
	if !started {
		h.logger.Info().Str("iss", iss).Msg("launch ignored, a flow is already running")
	}

	// Forms posted from the launch page go back to it
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	common.WriteJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

// Cancel abandons the browser session of the running flow
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled := h.orch.Cancel()
	if !cancelled {
		h.logger.Info().Msg("cancel ignored, no sign-in waiting")
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	common.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// State reports the current snapshot
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, h.orch.Snapshot())
}

// QuickPicks lists the configured issuers
func (h *Handler) QuickPicks(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, h.orch.QuickPicks())
}

// Orgs searches organizations for the q parameter
func (h *Handler) Orgs(w http.ResponseWriter, r *http.Request) {
	matches, err := h.orch.SearchOrganizations(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		var flowErr *launch.FlowError
		if errors.As(err, &flowErr) {
			common.WriteErrorStatus(w, http.StatusBadGateway, flowErr.Kind.String(), flowErr.Error())
			return
		}
		common.WriteErrorStatus(w, http.StatusBadGateway, "server_error", err.Error())
		return
	}
	common.WriteJSON(w, http.StatusOK, toOrgs(matches))
}

// Home renders the launch page. A q parameter runs an organization search
// first.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query != "" {
		// A failed search lands in the snapshot error
		_, _ = h.orch.SearchOrganizations(r.Context(), query)
	}

	data := homeData(h.orch.Snapshot(), h.orch.QuickPicks())
	data.Query = query
	if query == "" {
		data.Orgs = nil
	}

	sw := h.templates.NewSafeWriter(w)
	if err := h.templates.RenderHome(sw, data); err != nil {
		h.logger.Error().Err(err).Msg("rendering launch page")
		if !sw.Written() {
			http.Error(w, "error rendering page", http.StatusInternalServerError)
		}
	}
}

func homeData(snap launch.Snapshot, picks []launch.QuickPick) templates.HomeData {
	data := templates.HomeData{
		Phase:           string(snap.Phase),
		Loading:         snap.Loading,
		Error:           snap.Error,
		FHIRUser:        snap.FHIRUser,
		ConditionsError: snap.ConditionsError,
	}

	for _, p := range picks {
		data.QuickPicks = append(data.QuickPicks, templates.QuickPick{Name: p.Name, Iss: p.Iss})
	}
	for _, o := range toOrgs(snap.OrgResults) {
		data.Orgs = append(data.Orgs, templates.OrgRow{Name: o.Name, Iss: o.Iss, Selectable: o.Selectable})
	}

	if snap.Patient != nil {
		data.PatientName = snap.Patient.DisplayName()
		data.Identifiers = snap.Patient.IdentifierDisplay()
		for i := range snap.Conditions {
			c := &snap.Conditions[i]
			data.Conditions = append(data.Conditions, templates.ConditionRow{
				Title:  c.Title(),
				Status: c.Status(),
				Onset:  c.Onset(),
			})
		}
	}
	return data
}
