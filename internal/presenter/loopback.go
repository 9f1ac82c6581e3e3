// Package presenter runs browser authentication sessions whose callback is
// handed back to the process, by a loopback redirect or a deep link.
package presenter

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/launch"
)

var (
	// ErrSessionFailed is returned when a session cannot be started
	ErrSessionFailed = launch.ErrAuthSessionFailed

	// ErrUserCancelled is returned when the waiting session is abandoned
	ErrUserCancelled = launch.ErrUserCancelled
)

// Opener shows an authorization URL to the user
type Opener interface {
	Open(ctx context.Context, u *url.URL) error
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, u *url.URL) error

func (f OpenerFunc) Open(ctx context.Context, u *url.URL) error {
	return f(ctx, u)
}

// LogOpener logs the URL for the operator to open
func LogOpener(logger zerolog.Logger) Opener {
	return OpenerFunc(func(ctx context.Context, u *url.URL) error {
		logger.Info().Str("url", u.String()).Msg("open this URL in a browser to sign in")
		return nil
	})
}

// PrintOpener writes the URL to w
func PrintOpener(w io.Writer) Opener {
	return OpenerFunc(func(ctx context.Context, u *url.URL) error {
		_, err := fmt.Fprintf(w, "Open this URL in a browser to sign in:\n\n  %s\n\n", u)
		return err
	})
}

type waiter struct {
	scheme    string
	ch        chan *url.URL
	cancelled chan struct{}
	once      sync.Once
}

// Loopback waits for the callback of one session at a time
type Loopback struct {
	opener Opener
	logger zerolog.Logger

	mu      sync.Mutex
	waiting *waiter
}

// New creates a presenter that shows URLs with opener
func New(opener Opener, logger zerolog.Logger) *Loopback {
	return &Loopback{
		opener: opener,
		logger: logger.With().Str("component", "presenter").Logger(),
	}
}

// Authenticate opens authURL and blocks until Deliver receives a URL with
// callbackScheme, Cancel is called or ctx ends
func (l *Loopback) Authenticate(ctx context.Context, authURL *url.URL, callbackScheme string) (*url.URL, error) {
	w := &waiter{
		scheme:    callbackScheme,
		ch:        make(chan *url.URL, 1),
		cancelled: make(chan struct{}),
	}

	l.mu.Lock()
	if l.waiting != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: another session is waiting", ErrSessionFailed)
	}
	l.waiting = w
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting = nil
		l.mu.Unlock()
	}()

	if err := l.opener.Open(ctx, authURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionFailed, err)
	}
	l.logger.Debug().Str("scheme", callbackScheme).Msg("waiting for callback")

	select {
	case u := <-w.ch:
		return u, nil
	case <-w.cancelled:
		return nil, fmt.Errorf("%w: sign-in abandoned", ErrUserCancelled)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUserCancelled, ctx.Err())
	}
}

// Deliver hands a callback URL to the waiting session. It reports whether
// the URL was accepted.
func (l *Loopback) Deliver(u *url.URL) bool {
	if u == nil {
		return false
	}

	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()

	if w == nil {
		l.logger.Warn().Msg("callback received with no session waiting")
		return false
	}
	if !strings.EqualFold(u.Scheme, w.scheme) {
		l.logger.Warn().Str("scheme", u.Scheme).Msg("callback scheme does not match")
		return false
	}

	select {
	case w.ch <- u:
		return true
	default:
		// A callback was already delivered
		return false
	}
}

// Cancel ends the waiting session with ErrUserCancelled. It reports whether
// a session was waiting.
func (l *Loopback) Cancel() bool {
	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()

	if w == nil {
		return false
	}
	w.once.Do(func() { close(w.cancelled) })
	l.logger.Info().Msg("waiting session cancelled")
	return true
}

// Waiting reports whether a session is waiting for its callback
func (l *Loopback) Waiting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting != nil
}
