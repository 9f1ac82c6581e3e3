// Package sandbox signs into the Epic sandbox automatically. It drives a
// host page with a table of login and consent steps and hands the OAuth
// callback back to the launch flow.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/launch"
)

const (
	// DefaultPassThrottle is the minimum time between automation passes
	DefaultPassThrottle = 100 * time.Millisecond

	// DefaultFirstLoadDelay holds back automation after the first page load
	DefaultFirstLoadDelay = 500 * time.Millisecond

	// DefaultPollInterval is the fallback poll period
	DefaultPollInterval = 1500 * time.Millisecond

	// DefaultMaxPolls caps the fallback poll
	DefaultMaxPolls = 60
)

var (
	// ErrUserCancelled is returned when the operator cancels the session
	ErrUserCancelled = launch.ErrUserCancelled

	// ErrForceContinue is returned when the operator asks for the standard
	// browser session instead
	ErrForceContinue = launch.ErrForceContinue

	// ErrSessionActive is returned when a session is already running
	ErrSessionActive = errors.New("sandbox session already active")
)

// Bridge runs automated sandbox sign-in sessions, one at a time
type Bridge struct {
	host           Host
	creds          Credentials
	steps          []Step
	passThrottle   time.Duration
	firstLoadDelay time.Duration
	pollInterval   time.Duration
	maxPolls       int
	captureDir     string
	now            func() time.Time
	logger         zerolog.Logger

	mu          sync.Mutex
	active      *session
	lastCapture *Capture
}

// Option configures a Bridge
type Option func(*Bridge)

// WithSteps replaces the automation table
func WithSteps(steps []Step) Option {
	return func(b *Bridge) {
		b.steps = steps
	}
}

// WithTimings overrides pass throttling, first-load delay and fallback poll
func WithTimings(throttle, firstLoad, poll time.Duration, maxPolls int) Option {
	return func(b *Bridge) {
		b.passThrottle = throttle
		b.firstLoadDelay = firstLoad
		b.pollInterval = poll
		b.maxPolls = maxPolls
	}
}

// WithCaptureDir saves captured sign-in pages under dir
func WithCaptureDir(dir string) Option {
	return func(b *Bridge) {
		b.captureDir = dir
	}
}

// WithClock replaces the time source used for step rate limits
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a bridge opening pages on host. The login step is left out
// when no username is configured.
func New(host Host, creds Credentials, opts ...Option) *Bridge {
	b := &Bridge{
		host:           host,
		creds:          creds,
		steps:          DefaultSteps,
		passThrottle:   DefaultPassThrottle,
		firstLoadDelay: DefaultFirstLoadDelay,
		pollInterval:   DefaultPollInterval,
		maxPolls:       DefaultMaxPolls,
		now:            time.Now,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "sandbox").Logger()

	if creds.Username == "" {
		steps := make([]Step, 0, len(b.steps))
		for _, s := range b.steps {
			if _, ok := s.Action.(LoginAction); !ok {
				steps = append(steps, s)
			}
		}
		b.steps = steps
	}
	return b
}

type session struct {
	scheme   string
	callback chan *url.URL
	cancel   chan struct{}
	cont     chan struct{}
	stop     sync.Once
}

// Authenticate loads authURL in a new page and runs the automation until
// the page navigates to callbackScheme. Cancel ends it with
// ErrUserCancelled and Continue with ErrForceContinue.
func (b *Bridge) Authenticate(ctx context.Context, authURL *url.URL, callbackScheme string) (*url.URL, error) {
	s := &session{
		scheme:   callbackScheme,
		callback: make(chan *url.URL, 1),
		cancel:   make(chan struct{}),
		cont:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.active != nil {
		b.mu.Unlock()
		return nil, ErrSessionActive
	}
	b.active = s
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active = nil
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	page, err := b.host.Open(ctx, b.Intercept)
	if err != nil {
		return nil, fmt.Errorf("opening sandbox page: %w", err)
	}
	defer page.Close()

	loadErr := make(chan error, 1)
	go func() {
		loadErr <- page.Load(ctx, authURL)
	}()

	return b.run(ctx, s, page, loadErr)
}

func (b *Bridge) run(ctx context.Context, s *session, page Page, loadErr <-chan error) (*url.URL, error) {
	r := newRunner(b.steps, b.creds, b.passThrottle, b.now, b.logger)

	events := page.Events()
	ready := false
	var firstLoad <-chan time.Time

	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()
	pollC := poll.C
	polls := 0

	runPass := func() {
		if ready {
			r.pass(page.Document())
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case u := <-s.callback:
			b.logger.Info().Str("url", redactQuery(u)).Msg("sandbox reached callback")
			return u, nil

		case <-s.cancel:
			b.logger.Info().Msg("sandbox cancelled by operator")
			return nil, ErrUserCancelled

		case <-s.cont:
			b.logger.Info().Msg("sandbox handed over by operator")
			b.capture(page)
			return nil, ErrForceContinue

		case err := <-loadErr:
			loadErr = nil
			if err != nil {
				return nil, fmt.Errorf("loading sandbox page: %w", err)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.logger.Debug().Str("kind", string(ev.Kind)).Str("url", ev.URL).Msg("sandbox page event")
			if ev.Kind == EventLoad && !ready && firstLoad == nil {
				firstLoad = time.After(b.firstLoadDelay)
			}
			runPass()

		case <-firstLoad:
			firstLoad = nil
			ready = true
			runPass()

		case <-pollC:
			polls++
			runPass()
			if polls >= b.maxPolls {
				// Stop observing; only the callback or the operator can end
				// the session now
				b.logger.Warn().Int("polls", polls).Msg("sandbox fallback poll exhausted")
				poll.Stop()
				pollC = nil
				events = nil
			}
		}
	}
}

// Intercept is consulted before every navigation of the sandbox page. It
// cancels navigations to the callback scheme and hands the URL to the
// waiting session.
func (b *Bridge) Intercept(u *url.URL) bool {
	if u == nil {
		return false
	}
	b.mu.Lock()
	s := b.active
	b.mu.Unlock()

	if s == nil || !strings.EqualFold(u.Scheme, s.scheme) {
		return false
	}
	select {
	case s.callback <- u:
	default:
	}
	return true
}

// Cancel ends the active session with ErrUserCancelled. It reports whether
// a session was running.
func (b *Bridge) Cancel() bool {
	return b.signal(func(s *session) chan struct{} { return s.cancel })
}

// Continue ends the active session with ErrForceContinue so the flow falls
// back to the standard browser session. It reports whether a session was
// running.
func (b *Bridge) Continue() bool {
	return b.signal(func(s *session) chan struct{} { return s.cont })
}

func (b *Bridge) signal(pick func(*session) chan struct{}) bool {
	b.mu.Lock()
	s := b.active
	b.mu.Unlock()
	if s == nil {
		return false
	}
	s.stop.Do(func() {
		close(pick(s))
	})
	return true
}

// Active reports whether a session is running
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

// LastCapture returns the page captured on the last Continue, if any
func (b *Bridge) LastCapture() *Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCapture
}

// capture records the sign-in page for diagnostics. Failures are logged
// and never end the flow.
func (b *Bridge) capture(page Page) {
	c, err := capturePage(page)
	if err != nil {
		b.logger.Warn().Err(err).Msg(launch.Classify(err).Error())
		return
	}

	for _, el := range []struct {
		label string
		info  *ElementInfo
	}{
		{"username", c.Username},
		{"password", c.Password},
		{"login", c.Login},
	} {
		if el.info == nil {
			b.logger.Info().Str("element", el.label).Msg("sandbox element not found")
			continue
		}
		el.info.logTo(b.logger.Info().Str("element", el.label)).Msg("sandbox element")
	}

	if b.captureDir != "" {
		if err := c.save(b.captureDir); err != nil {
			b.logger.Warn().Err(err).Msg("saving sandbox capture")
		} else {
			b.logger.Info().Str("path", c.Path).Msg("saved sandbox capture")
		}
	}

	b.mu.Lock()
	b.lastCapture = c
	b.mu.Unlock()
}

// redactQuery drops the query so authorization codes stay out of logs
func redactQuery(u *url.URL) string {
	c := *u
	if c.RawQuery != "" {
		c.RawQuery = "redacted"
	}
	return c.String()
}
