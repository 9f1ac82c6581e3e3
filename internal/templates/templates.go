// Package templates renders the HTML pages served by the launch server
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
)

//go:embed html/*.html
var content embed.FS

// TemplateError reports a failed render
type TemplateError struct {
	Cause   error
	Message string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error: %s: %v", e.Message, e.Cause)
}

func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// Templates manages the HTML templates
type Templates struct {
	home     *template.Template
	complete *template.Template
	error    *template.Template
}

// LoadTemplates loads and parses all HTML templates
func LoadTemplates() (*Templates, error) {
	t := &Templates{}
	var err error

	if t.home, err = template.ParseFS(content, "html/home.html", "html/layout.html"); err != nil {
		return nil, err
	}
	if t.complete, err = template.ParseFS(content, "html/complete.html", "html/layout.html"); err != nil {
		return nil, err
	}
	if t.error, err = template.ParseFS(content, "html/error.html", "html/layout.html"); err != nil {
		return nil, err
	}

	return t, nil
}

// QuickPick is a one-click launch target
type QuickPick struct {
	Name string
	Iss  string
}

// OrgRow is one organization search result
type OrgRow struct {
	Name       string
	Iss        string
	Selectable bool
}

// ConditionRow is one problem list entry
type ConditionRow struct {
	Title  string
	Status string
	Onset  string
}

// HomeData holds data for the launch page
type HomeData struct {
	Phase           string
	Loading         bool
	Error           string
	FHIRUser        string
	PatientName     string
	Identifiers     []string
	Conditions      []ConditionRow
	ConditionsError string
	Query           string
	Orgs            []OrgRow
	QuickPicks      []QuickPick
}

// RenderHome renders the launch page
func (t *Templates) RenderHome(w io.Writer, data HomeData) error {
	return t.render(w, t.home, data)
}

// CompleteData holds data for the page shown once the callback is received
type CompleteData struct {
	Message string
}

// RenderComplete renders the completion page
func (t *Templates) RenderComplete(w io.Writer, data CompleteData) error {
	return t.render(w, t.complete, data)
}

// ErrorData holds data for the error page
type ErrorData struct {
	Title   string
	Message string
}

// RenderError renders the error page with a 400 status when w is an
// http.ResponseWriter
func (t *Templates) RenderError(w io.Writer, data ErrorData) error {
	if rw, ok := w.(http.ResponseWriter); ok {
		sw := t.NewSafeWriter(rw)
		sw.SetStatusCode(http.StatusBadRequest)
		w = sw
	}
	return t.render(w, t.error, data)
}

// render executes into a buffer first so a failing template never leaves a
// partial page on w
func (t *Templates) render(w io.Writer, tmpl *template.Template, data interface{}) error {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return &TemplateError{Cause: err, Message: "failed to render template"}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SafeWriter sets HTML headers once before the first write
type SafeWriter struct {
	w          http.ResponseWriter
	statusCode int
	wroteHead  bool
	written    bool
}

// NewSafeWriter wraps w
func (t *Templates) NewSafeWriter(w http.ResponseWriter) *SafeWriter {
	return &SafeWriter{w: w, statusCode: http.StatusOK}
}

// SetStatusCode sets the status sent with the headers
func (sw *SafeWriter) SetStatusCode(code int) {
	sw.statusCode = code
}

func (sw *SafeWriter) Header() http.Header {
	return sw.w.Header()
}

// WriteHeader sends the headers once. The first status wins.
func (sw *SafeWriter) WriteHeader(code int) {
	if sw.wroteHead {
		return
	}
	sw.wroteHead = true
	sw.w.Header().Set("Content-Type", "text/html; charset=utf-8")
	sw.w.Header().Set("Cache-Control", "no-store")
	sw.w.WriteHeader(code)
}

func (sw *SafeWriter) Write(b []byte) (int, error) {
	if !sw.wroteHead {
		sw.WriteHeader(sw.statusCode)
	}
	sw.written = true
	return sw.w.Write(b)
}

// Written reports whether any body bytes were written
func (sw *SafeWriter) Written() bool {
	return sw.written
}
