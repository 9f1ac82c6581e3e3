package sandbox

import (
	"context"
	"net/url"
	"strings"
)

// Element is a node of a sandbox page
type Element interface {
	Tag() string
	Attr(name string) string
	// Text is the rendered text content with whitespace collapsed
	Text() string
	Value() string
	Disabled() bool
	// QuerySelector returns the first matching descendant or nil
	QuerySelector(selector string) Element
	SetValue(value string) error
	Click() error
}

// Document is the DOM of the currently loaded page
type Document interface {
	// QuerySelector returns the first match in document order or nil
	QuerySelector(selector string) Element
	QuerySelectorAll(selector string) []Element
}

// EventKind identifies what changed on a page
type EventKind string

const (
	EventLoad       EventKind = "load"
	EventNavigation EventKind = "navigation"
	EventMutation   EventKind = "mutation"
)

// Event is emitted by a Page whenever its content may have changed
type Event struct {
	Kind EventKind
	URL  string
}

// Page is a browser surface driven by the bridge
type Page interface {
	Load(ctx context.Context, u *url.URL) error
	// Document returns the current DOM or nil before the first load
	Document() Document
	Events() <-chan Event
	HTML() (string, error)
	Close() error
}

// Host opens pages. intercept must be consulted before every navigation;
// a true result cancels it.
type Host interface {
	Open(ctx context.Context, intercept func(*url.URL) bool) (Page, error)
}

// Credentials are the sandbox test-user credentials
type Credentials struct {
	Username string
	Password string
}

// controlText is the text a user would read on a control
func controlText(el Element) string {
	for _, s := range []string{el.Text(), el.Value(), el.Attr("aria-label")} {
		if s = normalize(s); s != "" {
			return s
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
