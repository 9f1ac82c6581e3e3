package sandbox

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Action performs one automation step against a document. It reports
// whether it acted.
type Action interface {
	Try(doc Document, creds Credentials) (bool, error)
}

// Step is one row of the automation table
type Step struct {
	Name        string
	Once        bool          // never fires again after the first success
	MinInterval time.Duration // minimum time between two firings
	Action      Action
}

// LoginAction fills the login form and submits it. Without a password
// field only the username is submitted.
type LoginAction struct {
	Username string
	Password string
	Submit   string
}

func (a LoginAction) Try(doc Document, creds Credentials) (bool, error) {
	user := doc.QuerySelector(a.Username)
	submit := doc.QuerySelector(a.Submit)
	if user == nil || submit == nil || submit.Disabled() {
		return false, nil
	}

	if err := user.SetValue(creds.Username); err != nil {
		return false, fmt.Errorf("filling username: %w", err)
	}
	if pass := doc.QuerySelector(a.Password); pass != nil {
		if err := pass.SetValue(creds.Password); err != nil {
			return false, fmt.Errorf("filling password: %w", err)
		}
	}
	if err := submit.Click(); err != nil {
		return false, fmt.Errorf("submitting login: %w", err)
	}
	return true, nil
}

// ClickAction clicks the first enabled element matching Selector
type ClickAction struct {
	Selector string
}

func (a ClickAction) Try(doc Document, _ Credentials) (bool, error) {
	el := doc.QuerySelector(a.Selector)
	if el == nil || el.Disabled() {
		return false, nil
	}
	if err := el.Click(); err != nil {
		return false, fmt.Errorf("clicking %s: %w", a.Selector, err)
	}
	return true, nil
}

// ConsentAction clicks the consent control. Selectors are tried in order;
// when none matches, the enabled Candidates are scored by Keywords in
// their visible text.
type ConsentAction struct {
	Selectors  []string
	Candidates string
	Keywords   []string
}

func (a ConsentAction) find(doc Document) Element {
	for _, sel := range a.Selectors {
		if el := doc.QuerySelector(sel); el != nil {
			return el
		}
	}
	for _, el := range doc.QuerySelectorAll(a.Candidates) {
		if el.Disabled() {
			continue
		}
		if containsAny(controlText(el), a.Keywords) {
			return el
		}
	}
	return nil
}

func (a ConsentAction) Try(doc Document, _ Credentials) (bool, error) {
	el := a.find(doc)
	if el == nil || el.Disabled() {
		return false, nil
	}
	if err := el.Click(); err != nil {
		return false, fmt.Errorf("clicking consent: %w", err)
	}
	return true, nil
}

// DefaultSteps is the Epic sandbox sign-in sequence
var DefaultSteps = []Step{
	{
		Name:   "login",
		Once:   true,
		Action: LoginAction{Username: "#Login", Password: "#Password", Submit: "#submit"},
	},
	{
		Name:        "next",
		MinInterval: 800 * time.Millisecond,
		Action:      ClickAction{Selector: "#nextButton"},
	},
	{
		Name:        "consent",
		MinInterval: 900 * time.Millisecond,
		Action: ConsentAction{
			Selectors: []string{
				"#allowDataSharing",
				"#authorize",
				"#authorizeButton",
				"#AuthorizeButton",
				"button[name='authorize']",
				"input[name='authorize']",
				"button[data-action='authorize']",
				"input[data-action='authorize']",
			},
			Candidates: "button, input[type='submit'], input[type='button']",
			Keywords:   []string{"allow", "authorize", "grant", "accept"},
		},
	},
}

// runner evaluates a step table in priority order, stopping after the
// first step that fires
type runner struct {
	steps    []Step
	creds    Credentials
	throttle time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	lastRun   time.Time
	lastFired map[string]time.Time
	done      map[string]bool
	fired     map[string]int
}

func newRunner(steps []Step, creds Credentials, throttle time.Duration, now func() time.Time, logger zerolog.Logger) *runner {
	return &runner{
		steps:     steps,
		creds:     creds,
		throttle:  throttle,
		now:       now,
		logger:    logger,
		lastFired: make(map[string]time.Time),
		done:      make(map[string]bool),
		fired:     make(map[string]int),
	}
}

// pass runs one automation pass and returns the name of the step that
// fired, or "" when none did or the pass was throttled
func (r *runner) pass(doc Document) string {
	if doc == nil {
		return ""
	}
	now := r.now()
	if !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.throttle {
		return ""
	}
	r.lastRun = now

	for _, step := range r.steps {
		if step.Once && r.done[step.Name] {
			continue
		}
		if last, ok := r.lastFired[step.Name]; ok && now.Sub(last) < step.MinInterval {
			continue
		}

		ok, err := step.Action.Try(doc, r.creds)
		if err != nil {
			r.logger.Warn().Err(err).Str("step", step.Name).Msg("sandbox step failed")
			continue
		}
		if !ok {
			continue
		}

		r.lastFired[step.Name] = now
		r.fired[step.Name]++
		if step.Once {
			r.done[step.Name] = true
		}
		r.logger.Info().Str("step", step.Name).Int("count", r.fired[step.Name]).Msg("sandbox step fired")
		return step.Name
	}
	return ""
}
