// Package sandbox exposes the operator controls of the automated sandbox
// sign-in.
package sandbox

import (
	"net/http"
	"net/url"

	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/common"
	autologin "github.com/wrale/smart-launch/internal/sandbox"
)

// Controller is the part of sandbox.Bridge the handlers drive
type Controller interface {
	Cancel() bool
	Continue() bool
	Intercept(u *url.URL) bool
	Active() bool
	LastCapture() *autologin.Capture
}

// Status is the sandbox state reported to the operator
type Status struct {
	Active  bool               `json:"active"`
	Capture *autologin.Capture `json:"capture,omitempty"`
}

// Handler serves the sandbox controls
type Handler struct {
	bridge Controller
}

// New creates the sandbox handlers
func New(bridge Controller) *Handler {
	return &Handler{bridge: bridge}
}

// Cancel ends the running session as cancelled by the user
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, map[string]bool{"ok": h.bridge.Cancel()})
}

// Continue abandons automation and falls back to the standard browser
// session
func (h *Handler) Continue(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, map[string]bool{"ok": h.bridge.Continue()})
}

// Navigate reports a navigation of an external host page. The response
// tells the host whether the navigation was the callback and must not load.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		common.WriteError(w, "invalid_request", "Invalid form body")
		return
	}

	u, err := url.Parse(r.Form.Get("url"))
	if err != nil || u.Scheme == "" {
		common.WriteError(w, "invalid_request", "Missing or invalid url parameter")
		return
	}

	common.WriteJSON(w, http.StatusOK, map[string]bool{"intercepted": h.bridge.Intercept(u)})
}

// Status reports whether a sandbox session is running, with the page
// captured by the last Continue
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, Status{
		Active:  h.bridge.Active(),
		Capture: h.bridge.LastCapture(),
	})
}
