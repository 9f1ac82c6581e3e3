package sandbox

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// fakeElement implements Element for tests
type fakeElement struct {
	mu       sync.Mutex
	tag      string
	attrs    map[string]string
	text     string
	value    string
	disabled bool
	children map[string][]*fakeElement
	clicks   int
	onClick  func()
}

func newElement(tag string, attrs map[string]string) *fakeElement {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &fakeElement{tag: tag, attrs: attrs, value: attrs["value"]}
}

func (e *fakeElement) Tag() string            { return e.tag }
func (e *fakeElement) Attr(name string) string { return e.attrs[name] }
func (e *fakeElement) Text() string            { return e.text }
func (e *fakeElement) Disabled() bool          { return e.disabled }

func (e *fakeElement) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

func (e *fakeElement) QuerySelector(selector string) Element {
	if els := e.children[selector]; len(els) > 0 {
		return els[0]
	}
	return nil
}

func (e *fakeElement) SetValue(value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	return nil
}

func (e *fakeElement) Click() error {
	e.mu.Lock()
	e.clicks++
	fn := e.onClick
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (e *fakeElement) clickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// fakeDoc answers selectors from a fixed table
type fakeDoc struct {
	elements map[string][]*fakeElement
	queries  atomic.Int64
}

func newDoc() *fakeDoc {
	return &fakeDoc{elements: make(map[string][]*fakeElement)}
}

func (d *fakeDoc) add(selector string, el *fakeElement) *fakeElement {
	d.elements[selector] = append(d.elements[selector], el)
	return el
}

func (d *fakeDoc) QuerySelector(selector string) Element {
	d.queries.Add(1)
	if els := d.elements[selector]; len(els) > 0 {
		return els[0]
	}
	return nil
}

func (d *fakeDoc) QuerySelectorAll(selector string) []Element {
	d.queries.Add(1)
	var out []Element
	for _, el := range d.elements[selector] {
		out = append(out, el)
	}
	return out
}

// fakePage emits a single load event when loaded
type fakePage struct {
	doc     *fakeDoc
	html    string
	htmlErr error
	loadErr error
	events  chan Event

	mu     sync.Mutex
	loaded []*url.URL
	closed bool
}

func newFakePage(doc *fakeDoc) *fakePage {
	return &fakePage{doc: doc, html: "<html></html>", events: make(chan Event, 8)}
}

func (p *fakePage) Load(ctx context.Context, u *url.URL) error {
	p.mu.Lock()
	p.loaded = append(p.loaded, u)
	p.mu.Unlock()
	if p.loadErr != nil {
		return p.loadErr
	}
	p.events <- Event{Kind: EventLoad, URL: u.String()}
	return nil
}

func (p *fakePage) Document() Document {
	if p.doc == nil {
		return nil
	}
	return p.doc
}

func (p *fakePage) Events() <-chan Event { return p.events }

func (p *fakePage) HTML() (string, error) {
	return p.html, p.htmlErr
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeHost hands out one page and remembers the intercept hook
type fakeHost struct {
	page      *fakePage
	openErr   error
	intercept func(*url.URL) bool
	mu        sync.Mutex
}

func (h *fakeHost) Open(ctx context.Context, intercept func(*url.URL) bool) (Page, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.mu.Lock()
	h.intercept = intercept
	h.mu.Unlock()
	return h.page, nil
}

func (h *fakeHost) navigate(raw string) bool {
	h.mu.Lock()
	fn := h.intercept
	h.mu.Unlock()
	u, _ := url.Parse(raw)
	return fn(u)
}

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
