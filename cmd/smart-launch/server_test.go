package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/wrale/smart-launch/internal/gateway"
	"github.com/wrale/smart-launch/internal/launch"
	"github.com/wrale/smart-launch/internal/presenter"
)

// newBroker fakes the broker backend, the identity provider and the FHIR
// server on one test server
func newBroker(t *testing.T) *httptest.Server {
	t.Helper()
	var broker *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/api/smart/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		idp := broker.URL + "/idp/authorize?" + url.Values{"redirect_uri": {q.Get("redirect_uri")}}.Encode()
		writeTestJSON(w, gateway.AuthorizeResult{
			AuthorizationURL: idp,
			State:            "s1",
			CodeVerifier:     "v1",
			Iss:              q.Get("iss"),
			RedirectURI:      q.Get("redirect_uri"),
		})
	})
	mux.HandleFunc("/idp/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Query().Get("redirect_uri")+"?code=c1&state=s1", http.StatusFound)
	})
	mux.HandleFunc("/api/smart/exchange", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ExchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code != "c1" || req.CodeVerifier != "v1" {
			http.Error(w, "bad exchange", http.StatusBadRequest)
			return
		}
		writeTestJSON(w, gateway.TokenResult{AccessToken: "at", Patient: "p1", FHIRBase: broker.URL + "/fhir"})
	})
	mux.HandleFunc("/api/fhir/patient", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"resourceType":"Patient","id":"p1","name":[{"given":["Camila"],"family":"Lopez"}]}`)
	})
	mux.HandleFunc("/fhir/Condition", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Condition","code":{"text":"Asthma"}}}]}`)
	})
	mux.HandleFunc("/api/epic/resolve", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"name":"Duke Health","fhir_base":"https://duke.example/R4"}]}`)
	})

	broker = httptest.NewServer(mux)
	t.Cleanup(broker.Close)
	return broker
}

func writeTestJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newTestHost serves the launch host with a loopback redirect to itself.
// A nil browser follows the authorization URL like a real one would.
func newTestHost(t *testing.T, redisURL string, browser presenter.Opener) (*httptest.Server, *app) {
	t.Helper()
	broker := newBroker(t)

	// The redirect URI needs the address before the router exists
	host := httptest.NewUnstartedServer(nil)
	hostURL := "http://" + host.Listener.Addr().String()

	cfg := Config{
		BackendURL:     broker.URL,
		RedirectURI:    hostURL + "/oauth-callback",
		CallbackScheme: "http",
		RedisURL:       redisURL,
		CredentialTTL:  time.Minute,
		SandboxIss:     launch.DefaultSandboxIss,
		HTTPTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}

	if browser == nil {
		browser = presenter.OpenerFunc(func(ctx context.Context, u *url.URL) error {
			resp, err := http.Get(u.String())
			if err != nil {
				return err
			}
			return resp.Body.Close()
		})
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, zerolog.Nop(), browser)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	srv, err := newServer(ctx, a)
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	host.Config.Handler = srv.router
	host.Start()
	t.Cleanup(host.Close)
	return host, a
}

func getState(t *testing.T, host string) launch.Snapshot {
	t.Helper()
	resp, err := http.Get(host + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()

	var snap launch.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	return snap
}

func TestLaunchOverLoopback(t *testing.T) {
	for _, tt := range []struct {
		name  string
		redis bool
	}{
		{name: "memory store"},
		{name: "redis store", redis: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var redisURL string
			if tt.redis {
				mr := miniredis.RunT(t)
				redisURL = "redis://" + mr.Addr()
			}
			host, a := newTestHost(t, redisURL, nil)

			resp, err := http.PostForm(host.URL+"/launch", url.Values{"iss": {"https://fhir.example/R4"}})
			if err != nil {
				t.Fatalf("POST /launch: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("POST /launch status = %v", resp.StatusCode)
			}

			deadline := time.Now().Add(5 * time.Second)
			snap := getState(t, host.URL)
			for snap.Loading || snap.Phase == launch.PhaseAuthorizing {
				if time.Now().After(deadline) {
					t.Fatalf("flow did not finish: %+v", snap)
				}
				time.Sleep(10 * time.Millisecond)
				snap = getState(t, host.URL)
			}

			if snap.Phase != launch.PhaseDone {
				t.Fatalf("phase = %v, error = %q", snap.Phase, snap.Error)
			}
			if snap.Patient == nil || snap.Patient.DisplayName() != "Camila Lopez" {
				t.Errorf("patient = %+v", snap.Patient)
			}
			if len(snap.Conditions) != 1 || snap.Conditions[0].Title() != "Asthma" {
				t.Errorf("conditions = %+v", snap.Conditions)
			}

			// The correlation record does not outlive the attempt
			if _, ok := a.correlator.LoadVerifier(context.Background()); ok {
				t.Error("verifier should be cleared")
			}
		})
	}
}

func postJSON(t *testing.T, target string, form url.Values) map[string]bool {
	t.Helper()
	resp, err := http.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()

	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding %s: %v", target, err)
	}
	return out
}

func TestCancelAbandonedLaunch(t *testing.T) {
	// The user closes the tab: nothing ever reaches the callback
	closedTab := presenter.OpenerFunc(func(ctx context.Context, u *url.URL) error { return nil })
	host, a := newTestHost(t, "", closedTab)
	launchForm := url.Values{"iss": {"https://fhir.example/R4"}}

	waitForSession := func() {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !a.presenter.Waiting() {
			if time.Now().After(deadline) {
				t.Fatal("sign-in session never started")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	if got := postJSON(t, host.URL+"/launch", launchForm); !got["started"] {
		t.Fatalf("first launch = %v", got)
	}
	waitForSession()
	if got := postJSON(t, host.URL+"/launch", launchForm); got["started"] {
		t.Fatal("second launch must not start while the first waits")
	}

	if got := postJSON(t, host.URL+"/launch/cancel", nil); !got["cancelled"] {
		t.Fatalf("cancel = %v", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	snap := getState(t, host.URL)
	for snap.Loading {
		if time.Now().After(deadline) {
			t.Fatalf("flow did not end: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
		snap = getState(t, host.URL)
	}
	if snap.Phase != launch.PhaseFailed || snap.ErrorKind != "user_cancelled" {
		t.Errorf("phase %q kind %q", snap.Phase, snap.ErrorKind)
	}

	if got := postJSON(t, host.URL+"/launch", launchForm); !got["started"] {
		t.Fatal("launch after cancel should start")
	}
	waitForSession()
	postJSON(t, host.URL+"/launch/cancel", nil)
}

func TestRoutes(t *testing.T) {
	host, _ := newTestHost(t, "", nil)

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantContains string
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK, wantContains: `"credential_store"`},
		{name: "quick picks", method: http.MethodGet, path: "/quick-picks", wantStatus: http.StatusOK, wantContains: "Sandbox"},
		{name: "orgs", method: http.MethodGet, path: "/orgs?q=duke", wantStatus: http.StatusOK, wantContains: "https://duke.example/R4"},
		{name: "home", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantContains: "Connect to Your Health Records"},
		{name: "launch without iss", method: http.MethodPost, path: "/launch", wantStatus: http.StatusBadRequest, wantContains: "invalid_request"},
		{name: "stray callback", method: http.MethodGet, path: "/oauth-callback?code=c&state=s", wantStatus: http.StatusBadRequest, wantContains: "No Sign-in in Progress"},
		{name: "sandbox idle", method: http.MethodGet, path: "/sandbox", wantStatus: http.StatusOK, wantContains: `"active":false`},
		{name: "sandbox cancel idle", method: http.MethodPost, path: "/sandbox/cancel", wantStatus: http.StatusOK, wantContains: `"ok":false`},
		{name: "cancel with nothing waiting", method: http.MethodPost, path: "/launch/cancel", wantStatus: http.StatusOK, wantContains: `"cancelled":false`},
		{name: "launch by GET", method: http.MethodGet, path: "/launch", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, host.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %v, want %v", resp.StatusCode, tt.wantStatus)
			}
			var body strings.Builder
			if _, err := io.Copy(&body, resp.Body); err != nil {
				t.Fatalf("reading body: %v", err)
			}
			if !strings.Contains(body.String(), tt.wantContains) {
				t.Errorf("body missing %q:\n%s", tt.wantContains, body.String())
			}
		})
	}
}
