package htmldom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/atom"

	"github.com/wrale/smart-launch/internal/sandbox"
)

const (
	maxBodySize  = 4 << 20
	maxRedirects = 10
	eventBuffer  = 32
)

var errIntercepted = errors.New("navigation intercepted")

// Host opens Pages that share nothing but the underlying transport
type Host struct {
	Client *http.Client
	Logger zerolog.Logger
}

// Open creates a page with its own cookie jar
func (h *Host) Open(ctx context.Context, intercept func(*url.URL) bool) (sandbox.Page, error) {
	p, err := NewPage(h.Client, intercept, h.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Page is a minimal browser: it follows redirects, submits forms and
// follows links when their elements are clicked. Scripts are not run.
type Page struct {
	client    *http.Client
	intercept func(*url.URL) bool
	logger    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	doc     *Document
	current *url.URL
	events  chan sandbox.Event
	closed  bool
}

// NewPage creates a page using base for transport and timeouts
func NewPage(base *http.Client, intercept func(*url.URL) bool, logger zerolog.Logger) (*Page, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	if base == nil {
		base = http.DefaultClient
	}
	if intercept == nil {
		intercept = func(*url.URL) bool { return false }
	}

	p := &Page{
		intercept: intercept,
		logger:    logger.With().Str("component", "htmldom").Logger(),
		ctx:       context.Background(),
		events:    make(chan sandbox.Event, eventBuffer),
	}
	p.client = &http.Client{
		Transport:     base.Transport,
		Timeout:       base.Timeout,
		Jar:           jar,
		CheckRedirect: p.checkRedirect,
	}
	return p, nil
}

// Load navigates to u
func (p *Page) Load(ctx context.Context, u *url.URL) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	return p.navigate(ctx, http.MethodGet, u, nil)
}

func (p *Page) Document() sandbox.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil
	}
	return p.doc
}

// URL returns the address of the loaded page
func (p *Page) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Page) Events() <-chan sandbox.Event {
	return p.events
}

func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	if doc == nil {
		return "", errors.New("no page loaded")
	}
	return doc.Render()
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

// emit never blocks; observers that fall behind miss coalesced events
func (p *Page) emit(kind sandbox.EventKind, u *url.URL) {
	ev := sandbox.Event{Kind: kind}
	if u != nil {
		ev.URL = u.Redacted()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Page) checkRedirect(req *http.Request, via []*http.Request) error {
	if p.intercept(req.URL) {
		return errIntercepted
	}
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	p.emit(sandbox.EventNavigation, req.URL)
	return nil
}

func (p *Page) navigate(ctx context.Context, method string, u *url.URL, form url.Values) error {
	if p.intercept(u) {
		return nil
	}
	p.emit(sandbox.EventNavigation, u)

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, errIntercepted) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	doc, err := Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return err
	}
	doc.OnClick(p.click)
	doc.OnChange(func() { p.emit(sandbox.EventMutation, nil) })

	p.mu.Lock()
	p.doc = doc
	p.current = resp.Request.URL
	p.mu.Unlock()

	p.logger.Debug().Int("status", resp.StatusCode).Str("url", resp.Request.URL.Redacted()).Msg("page loaded")
	p.emit(sandbox.EventLoad, resp.Request.URL)
	return nil
}

func (p *Page) click(e *Element) error {
	p.mu.Lock()
	ctx, current := p.ctx, p.current
	p.mu.Unlock()

	switch e.node.DataAtom {
	case atom.A:
		href := e.Attr("href")
		if href == "" || current == nil {
			return nil
		}
		target, err := current.Parse(href)
		if err != nil {
			return fmt.Errorf("resolving link: %w", err)
		}
		return p.navigate(ctx, http.MethodGet, target, nil)

	case atom.Button, atom.Input:
		if !isSubmitter(e) {
			p.emit(sandbox.EventMutation, nil)
			return nil
		}
		form := e.Form()
		if form == nil {
			return nil
		}
		return p.submit(ctx, current, form, e)
	}

	p.emit(sandbox.EventMutation, nil)
	return nil
}

func isSubmitter(e *Element) bool {
	typ := strings.ToLower(e.Attr("type"))
	if e.node.DataAtom == atom.Button {
		return typ == "" || typ == "submit"
	}
	return typ == "submit" || typ == "image"
}

func (p *Page) submit(ctx context.Context, current *url.URL, form, submitter *Element) error {
	if current == nil {
		return errors.New("no page loaded")
	}
	target, err := current.Parse(form.Attr("action"))
	if err != nil {
		return fmt.Errorf("resolving form action: %w", err)
	}

	values := formValues(form)
	if name := submitter.Attr("name"); name != "" {
		values.Add(name, submitter.Attr("value"))
	}

	method := strings.ToUpper(form.Attr("method"))
	if method != http.MethodPost {
		method = http.MethodGet
		t := *target
		t.RawQuery = values.Encode()
		target = &t
	}
	return p.navigate(ctx, method, target, values)
}

// formValues collects the successful controls of a form
func formValues(form *Element) url.Values {
	values := url.Values{}
	for _, el := range form.doc.matchAll(form.node, "input, select, textarea") {
		name := el.Attr("name")
		if name == "" || el.Disabled() {
			continue
		}
		if el.node.DataAtom == atom.Input {
			switch strings.ToLower(el.Attr("type")) {
			case "submit", "button", "image", "reset", "file":
				continue
			case "checkbox", "radio":
				if _, checked := el.attr("checked"); !checked {
					continue
				}
				if _, ok := el.attr("value"); !ok {
					values.Add(name, "on")
					continue
				}
			}
		}
		values.Add(name, el.Value())
	}
	return values
}
