// Package callback receives OAuth redirects and deep links and hands them
// to the waiting browser session.
package callback

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/cmd/smart-launch/handlers/common"
	"github.com/wrale/smart-launch/internal/templates"
)

// Receiver takes callback URLs for the session waiting on them
type Receiver interface {
	HandleDeepLink(u *url.URL) bool
}

// Handler serves the redirect target and the deep link hook
type Handler struct {
	receiver  Receiver
	templates *templates.Templates
	logger    zerolog.Logger
}

// New creates the callback handlers
func New(receiver Receiver, tmpls *templates.Templates, logger zerolog.Logger) *Handler {
	return &Handler{
		receiver:  receiver,
		templates: tmpls,
		logger:    logger,
	}
}

// requestURL rebuilds the absolute URL the browser was redirected to
func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		u.Scheme = fwd
	}
	u.Host = r.Host
	return &u
}

// OAuthCallback is the loopback redirect URI. The callback is delivered as
// received; the flow validates the code and state.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	u := requestURL(r)
	q := u.Query()

	if !h.receiver.HandleDeepLink(u) {
		h.logger.Warn().Str("path", u.Path).Msg("callback received with no sign-in in progress")
		h.renderError(w, "No Sign-in in Progress", "This sign-in link is no longer active. Start again from the app.")
		return
	}

	if e := q.Get("error"); e != "" {
		h.renderError(w, "Sign-in Failed", firstNonEmpty(q.Get("error_description"), e))
		return
	}
	if q.Get("code") == "" {
		h.renderError(w, "Sign-in Failed", "Missing authorization code.")
		return
	}

	if err := h.templates.RenderComplete(h.templates.NewSafeWriter(w), templates.CompleteData{}); err != nil {
		h.logger.Error().Err(err).Msg("rendering callback page")
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}

// DeepLink accepts a callback URL from the url parameter
func (h *Handler) DeepLink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		common.WriteError(w, "invalid_request", "Invalid form body")
		return
	}

	raw := r.Form.Get("url")
	if raw == "" {
		common.WriteError(w, "invalid_request", "Missing url parameter")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		common.WriteError(w, "invalid_request", "Invalid url parameter")
		return
	}

	common.WriteJSON(w, http.StatusOK, map[string]bool{"delivered": h.receiver.HandleDeepLink(u)})
}

func (h *Handler) renderError(w http.ResponseWriter, title, message string) {
	if err := h.templates.RenderError(w, templates.ErrorData{Title: title, Message: message}); err != nil {
		h.logger.Error().Err(err).Msg("rendering callback error page")
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
