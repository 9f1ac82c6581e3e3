package templates

import (
	"bytes"
	"html/template"
	"strings"
	"testing"
)

// countingWriter records how many writes reached it
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.writes++
	return w.Buffer.Write(b)
}

// failingWriter rejects every write
type failingWriter struct {
	err error
}

func (w failingWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func setupTemplates(t *testing.T) *Templates {
	t.Helper()
	templates, err := LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	return templates
}

// brokenTemplates returns pages whose content fails at execution time
func brokenTemplates(t *testing.T) *Templates {
	t.Helper()
	layout, err := template.New("layout").Parse(`{{define "layout"}}<p>partial</p>{{template "content" .}}{{end}}`)
	if err != nil {
		t.Fatalf("parsing layout: %v", err)
	}
	if _, err := layout.New("content").Parse(`{{.Missing.Field}}`); err != nil {
		t.Fatalf("parsing content: %v", err)
	}
	return &Templates{home: layout, complete: layout, error: layout}
}

func assertContains(t *testing.T, body string, want ...string) {
	t.Helper()
	for _, s := range want {
		if !strings.Contains(body, s) {
			t.Errorf("page missing %q", s)
		}
	}
}

func assertMissing(t *testing.T, body string, unwanted ...string) {
	t.Helper()
	for _, s := range unwanted {
		if strings.Contains(body, s) {
			t.Errorf("page unexpectedly contains %q", s)
		}
	}
}
