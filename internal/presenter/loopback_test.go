package presenter

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/launch"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}

type result struct {
	u   *url.URL
	err error
}

func start(ctx context.Context, l *Loopback, authURL *url.URL, scheme string) <-chan result {
	out := make(chan result, 1)
	go func() {
		u, err := l.Authenticate(ctx, authURL, scheme)
		out <- result{u, err}
	}()
	return out
}

func waitUntilWaiting(t *testing.T, l *Loopback) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !l.Waiting() {
		if time.Now().After(deadline) {
			t.Fatal("session never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoopback_Deliver(t *testing.T) {
	var opened *url.URL
	l := New(OpenerFunc(func(ctx context.Context, u *url.URL) error {
		opened = u
		return nil
	}), zerolog.Nop())

	authURL := mustURL(t, "https://idp.example/auth")
	if l.Deliver(mustURL(t, "myapp://oauth-callback?code=c")) {
		t.Error("Deliver() with no session should be rejected")
	}

	ch := start(context.Background(), l, authURL, "myapp")
	waitUntilWaiting(t, l)

	if l.Deliver(mustURL(t, "https://evil.example/cb?code=x")) {
		t.Error("Deliver() with the wrong scheme should be rejected")
	}
	if !l.Deliver(mustURL(t, "myapp://oauth-callback?code=c1&state=s1")) {
		t.Fatal("Deliver() = false")
	}

	r := <-ch
	if r.err != nil {
		t.Fatalf("Authenticate() error = %v", r.err)
	}
	if r.u.Query().Get("code") != "c1" {
		t.Errorf("callback = %v", r.u)
	}
	if opened != authURL {
		t.Errorf("opened = %v", opened)
	}
	if l.Waiting() {
		t.Error("session should be released")
	}
}

func TestLoopback_Cancelled(t *testing.T) {
	l := New(OpenerFunc(func(ctx context.Context, u *url.URL) error { return nil }), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ch := start(ctx, l, mustURL(t, "https://idp.example/auth"), "myapp")
	waitUntilWaiting(t, l)
	cancel()

	r := <-ch
	if !errors.Is(r.err, ErrUserCancelled) || !errors.Is(r.err, launch.ErrUserCancelled) {
		t.Errorf("error = %v, want ErrUserCancelled", r.err)
	}
}

func TestLoopback_Cancel(t *testing.T) {
	l := New(OpenerFunc(func(ctx context.Context, u *url.URL) error { return nil }), zerolog.Nop())
	if l.Cancel() {
		t.Error("Cancel() with no session should report false")
	}

	ch := start(context.Background(), l, mustURL(t, "https://idp.example/auth"), "myapp")
	waitUntilWaiting(t, l)
	if !l.Cancel() {
		t.Fatal("Cancel() = false")
	}
	// A second cancel of the same session is harmless
	l.Cancel()

	r := <-ch
	if !errors.Is(r.err, launch.ErrUserCancelled) {
		t.Errorf("error = %v, want ErrUserCancelled", r.err)
	}
	if l.Waiting() {
		t.Error("session should be released")
	}

	// The next session is unaffected by the earlier cancel
	ch = start(context.Background(), l, mustURL(t, "https://idp.example/auth"), "myapp")
	waitUntilWaiting(t, l)
	if !l.Deliver(mustURL(t, "myapp://oauth-callback?code=c2&state=s2")) {
		t.Fatal("Deliver() = false")
	}
	if r := <-ch; r.err != nil || r.u.Query().Get("code") != "c2" {
		t.Errorf("Authenticate() = %v, %v", r.u, r.err)
	}
}

func TestLoopback_Failures(t *testing.T) {
	t.Run("opener error", func(t *testing.T) {
		l := New(OpenerFunc(func(ctx context.Context, u *url.URL) error {
			return errors.New("no browser")
		}), zerolog.Nop())

		_, err := l.Authenticate(context.Background(), mustURL(t, "https://idp.example/auth"), "myapp")
		if !errors.Is(err, ErrSessionFailed) {
			t.Errorf("error = %v, want ErrSessionFailed", err)
		}
		if l.Waiting() {
			t.Error("session should be released")
		}
	})

	t.Run("concurrent session", func(t *testing.T) {
		l := New(OpenerFunc(func(ctx context.Context, u *url.URL) error { return nil }), zerolog.Nop())
		ch := start(context.Background(), l, mustURL(t, "https://idp.example/auth"), "myapp")
		waitUntilWaiting(t, l)

		_, err := l.Authenticate(context.Background(), mustURL(t, "https://idp.example/auth"), "myapp")
		if !errors.Is(err, ErrSessionFailed) {
			t.Errorf("error = %v, want ErrSessionFailed", err)
		}

		l.Deliver(mustURL(t, "myapp://cb?code=c&state=s"))
		<-ch
	})
}

func TestPrintOpener(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintOpener(&buf).Open(context.Background(), mustURL(t, "https://idp.example/auth?x=1")); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !strings.Contains(buf.String(), "https://idp.example/auth?x=1") {
		t.Errorf("output = %q", buf.String())
	}
}
