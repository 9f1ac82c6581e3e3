package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/wrale/smart-launch/internal/fhir"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithUserAgent("smart-launch-test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, srv
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "valid", baseURL: "https://broker.example", wantErr: false},
		{name: "trailing slash", baseURL: "https://broker.example/", wantErr: false},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "relative", baseURL: "/api", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.baseURL)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name      string
		req       AuthorizeRequest
		wantQuery map[string]string
		absent    []string
	}{
		{
			name: "required parameters only",
			req:  AuthorizeRequest{Iss: "https://fhir.epic.com/R4", RedirectURI: "myapp://oauth-callback"},
			wantQuery: map[string]string{
				"iss":          "https://fhir.epic.com/R4",
				"mode":         "json",
				"redirect_uri": "myapp://oauth-callback",
			},
			absent: []string{"scope", "aud", "vendor"},
		},
		{
			name: "optional parameters",
			req: AuthorizeRequest{
				Iss:         "https://x",
				RedirectURI: "myapp://oauth-callback",
				Scope:       "launch/patient openid fhirUser",
				Aud:         "https://x",
				Vendor:      "epic",
			},
			wantQuery: map[string]string{
				"scope":  "launch/patient openid fhirUser",
				"aud":    "https://x",
				"vendor": "epic",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != authorizePath {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				if got := r.Header.Get("User-Agent"); got != "smart-launch-test" {
					t.Errorf("User-Agent = %q", got)
				}
				q := r.URL.Query()
				for k, v := range tt.wantQuery {
					if got := q.Get(k); got != v {
						t.Errorf("query[%s] = %q, want %q", k, got, v)
					}
				}
				for _, k := range tt.absent {
					if q.Has(k) {
						t.Errorf("query parameter %s should be absent", k)
					}
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"authorization_url":"https://idp.example/auth","state":"s1","code_verifier":"v1","iss":"https://x","redirect_uri":"myapp://oauth-callback","vendor":"epic"}`))
			})

			got, err := c.Authorize(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			want := &AuthorizeResult{
				AuthorizationURL: "https://idp.example/auth",
				State:            "s1",
				CodeVerifier:     "v1",
				Iss:              "https://x",
				RedirectURI:      "myapp://oauth-callback",
				Vendor:           "epic",
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Authorize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExchange(t *testing.T) {
	var gotBody map[string]interface{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != exchangePath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"patient":"p1","fhir_base":"https://fhir.example/R4"}`))
	})

	token, err := c.Exchange(context.Background(), ExchangeRequest{
		Code:         "c1",
		Iss:          "https://x",
		CodeVerifier: "v1",
		RedirectURI:  "myapp://oauth-callback",
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	wantBody := map[string]interface{}{
		"code":          "c1",
		"iss":           "https://x",
		"code_verifier": "v1",
		"redirect_uri":  "myapp://oauth-callback",
	}
	if diff := cmp.Diff(wantBody, gotBody); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
	if token.AccessToken != "at" || token.Patient != "p1" || token.FHIRBase != "https://fhir.example/R4" {
		t.Errorf("unexpected token %+v", token)
	}

	oauthTok := token.OAuth2Token()
	if oauthTok.AccessToken != "at" || oauthTok.Type() != "Bearer" {
		t.Errorf("OAuth2Token() = %+v", oauthTok)
	}
	if until := time.Until(oauthTok.Expiry); until < 59*time.Minute || until > time.Hour {
		t.Errorf("unexpected expiry in %v", until)
	}
	if got := oauthTok.Extra("patient"); got != "p1" {
		t.Errorf("Extra(patient) = %v", got)
	}
}

func TestExchange_VendorIncluded(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["vendor"] != "cerner" {
			t.Errorf("vendor = %q, want cerner", body["vendor"])
		}
		_, _ = w.Write([]byte(`{"access_token":"at"}`))
	})

	if _, err := c.Exchange(context.Background(), ExchangeRequest{Code: "c", Vendor: "cerner"}); err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
}

func TestFetchPatient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != patientPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("iss") != "https://fhir.example/R4" || r.URL.Query().Get("patient") != "p1" {
			t.Errorf("query = %v", r.URL.Query())
		}
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1","name":[{"given":["Jane"],"family":"Doe"}],"gender":"female","birthDate":"1980-01-01"}`))
	})

	p, err := c.FetchPatient(context.Background(), "https://fhir.example/R4", "p1", (&TokenResult{AccessToken: "at", TokenType: "bearer"}).OAuth2Token())
	if err != nil {
		t.Fatalf("FetchPatient() error = %v", err)
	}
	if p.DisplayName() != "Jane Doe" || p.Gender == nil || p.Gender.Code() != "female" || p.BirthDate == nil || *p.BirthDate != "1980-01-01" {
		t.Errorf("unexpected patient %+v", p)
	}
}

func TestFetchConditions(t *testing.T) {
	longBody := "<html>" + strings.Repeat("x", 600) + "</html>"

	tests := []struct {
		name      string
		status    int
		body      string
		wantCount int
		check     func(*testing.T, error)
	}{
		{
			name:      "bundle",
			status:    http.StatusOK,
			body:      `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Condition","code":{"text":"Asthma"}}}]}`,
			wantCount: 1,
		},
		{
			name:   "operation outcome",
			status: http.StatusOK,
			body:   `{"resourceType":"OperationOutcome","issue":[{"code":"security","diagnostics":"Scope missing"},{"code":"processing","details":{"text":"Try again"}}]}`,
			check: func(t *testing.T, err error) {
				var outcome *FHIROutcomeError
				if !errors.As(err, &outcome) {
					t.Fatalf("expected FHIROutcomeError, got %v", err)
				}
				if outcome.Detail != "Scope missing | Try again" {
					t.Errorf("Detail = %q", outcome.Detail)
				}
			},
		},
		{
			name:   "unexpected html",
			status: http.StatusOK,
			body:   longBody,
			check: func(t *testing.T, err error) {
				var unexpected *UnexpectedResponseError
				if !errors.As(err, &unexpected) {
					t.Fatalf("expected UnexpectedResponseError, got %v", err)
				}
				if len(unexpected.Snippet) != snippetLimit || !strings.HasPrefix(longBody, unexpected.Snippet) {
					t.Errorf("Snippet length = %d", len(unexpected.Snippet))
				}
			},
		},
		{
			name:   "empty body",
			status: http.StatusOK,
			body:   "",
			check: func(t *testing.T, err error) {
				var outcome *FHIROutcomeError
				var unexpected *UnexpectedResponseError
				if err == nil || errors.As(err, &outcome) || errors.As(err, &unexpected) {
					t.Errorf("expected the original decode error, got %v", err)
				}
			},
		},
		{
			name:   "http error",
			status: http.StatusUnauthorized,
			body:   `{"resourceType":"OperationOutcome"}`,
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				if !errors.As(err, &httpErr) {
					t.Fatalf("expected HTTPError, got %v", err)
				}
				if httpErr.Status != http.StatusUnauthorized {
					t.Errorf("Status = %d", httpErr.Status)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/fhir/R4/Condition" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if r.URL.Query().Get("patient") != "p1" || r.URL.Query().Get("_format") != "json" {
					t.Errorf("query = %v", r.URL.Query())
				}
				if got := r.Header.Get("Accept"); got != "application/fhir+json" {
					t.Errorf("Accept = %q", got)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer at" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			conditions, err := c.FetchConditions(context.Background(), srv.URL+"/fhir/R4/", "p1", &oauth2.Token{AccessToken: "at"})
			if tt.check != nil {
				tt.check(t, err)
				return
			}
			if err != nil {
				t.Fatalf("FetchConditions() error = %v", err)
			}
			if len(conditions) != tt.wantCount {
				t.Errorf("got %d conditions, want %d", len(conditions), tt.wantCount)
			}
		})
	}
}

func TestResolveOrganizations(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != resolvePath || r.URL.Query().Get("q") != "Duke" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"organizations":[{"name":"Duke Health","iss":"https://x"}]}`))
	})

	got, err := c.ResolveOrganizations(context.Background(), "Duke")
	if err != nil {
		t.Fatalf("ResolveOrganizations() error = %v", err)
	}
	want := []fhir.OrgMatch{{Name: "Duke Health", Iss: "https://x"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveOrganizations() mismatch (-want +got):\n%s", diff)
	}
	if got[0].DisplayName() != "Duke Health" || got[0].ResolvedIss() != "https://x" {
		t.Errorf("derived fields = %q, %q", got[0].DisplayName(), got[0].ResolvedIss())
	}
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        []byte
		wantHasBody bool
		wantMessage string
	}{
		{
			name:        "utf8 body",
			status:      http.StatusBadGateway,
			body:        []byte("upstream down"),
			wantHasBody: true,
			wantMessage: "Server error (502): upstream down",
		},
		{
			name:        "binary body",
			status:      http.StatusInternalServerError,
			body:        []byte{0xff, 0xfe, 0xfd},
			wantHasBody: false,
			wantMessage: "Server error (500).",
		},
		{
			name:        "empty body",
			status:      http.StatusNotFound,
			body:        nil,
			wantHasBody: true,
			wantMessage: "Server error (404).",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write(tt.body)
			})

			_, err := c.Authorize(context.Background(), AuthorizeRequest{Iss: "https://x", RedirectURI: "myapp://cb"})
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if httpErr.Status != tt.status || httpErr.HasBody != tt.wantHasBody {
				t.Errorf("HTTPError = %+v", httpErr)
			}
			if httpErr.Error() != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", httpErr.Error(), tt.wantMessage)
			}
		})
	}
}

func TestIDTokenClaims(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "user-1",
		"fhirUser": "Patient/p1",
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	tok := &TokenResult{IDToken: signed}
	claims, err := tok.IDTokenClaims()
	if err != nil {
		t.Fatalf("IDTokenClaims() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.FHIRUser != "Patient/p1" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := (&TokenResult{}).IDTokenClaims(); !errors.Is(err, ErrNoIDToken) {
		t.Errorf("expected ErrNoIDToken, got %v", err)
	}
	if _, err := (&TokenResult{IDToken: "not-a-jwt"}).IDTokenClaims(); err == nil {
		t.Error("expected error for malformed token")
	}
}
