package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/wrale/smart-launch/internal/fhir"
)

const (
	// Broker endpoint paths
	authorizePath = "/api/smart/authorize"
	exchangePath  = "/api/smart/exchange"
	patientPath   = "/api/fhir/patient"
	resolvePath   = "/api/epic/resolve"

	fhirJSON = "application/fhir+json"

	defaultTimeout = 30 * time.Second
)

// Client issues the broker and FHIR requests of the launch flow
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Request timeouts are
// taken from it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header on every request
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a gateway client for the broker at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authorize asks the broker to start a SMART authorization for an issuer
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	q := url.Values{
		"iss":          {req.Iss},
		"mode":         {"json"},
		"redirect_uri": {req.RedirectURI},
	}
	if req.Scope != "" {
		q.Set("scope", req.Scope)
	}
	if req.Aud != "" {
		q.Set("aud", req.Aud)
	}
	if req.Vendor != "" {
		q.Set("vendor", req.Vendor)
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, c.endpoint(authorizePath, q), nil)
	if err != nil {
		return nil, fmt.Errorf("creating authorize request: %w", err)
	}

	var result AuthorizeResult
	if err := c.doJSON(c.http, httpReq, &result); err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	return &result, nil
}

// Exchange trades an authorization code and its PKCE verifier for tokens
func (c *Client) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding exchange request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.endpoint(exchangePath, nil), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var token TokenResult
	if err := c.doJSON(c.http, httpReq, &token); err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	token.receivedAt = time.Now()
	return &token, nil
}

// FetchPatient reads the launch patient through the broker's FHIR proxy
func (c *Client) FetchPatient(ctx context.Context, iss, patientID string, token *oauth2.Token) (*fhir.Patient, error) {
	q := url.Values{
		"iss":     {iss},
		"patient": {patientID},
	}
	httpReq, err := c.newRequest(ctx, http.MethodGet, c.endpoint(patientPath, q), nil)
	if err != nil {
		return nil, fmt.Errorf("creating patient request: %w", err)
	}

	var patient fhir.Patient
	if err := c.doJSON(c.bearerClient(ctx, token), httpReq, &patient); err != nil {
		return nil, fmt.Errorf("fetch patient: %w", err)
	}
	return &patient, nil
}

// FetchConditions searches the FHIR server directly for the patient's
// conditions. Bodies that are not a Bundle are classified as a FHIR
// OperationOutcome, an unexpected response, or the original decode error
// when the body is empty.
func (c *Client) FetchConditions(ctx context.Context, fhirBase, patientID string, token *oauth2.Token) ([]fhir.Condition, error) {
	base, err := url.Parse(strings.TrimSuffix(fhirBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIR base: %w", err)
	}
	base.Path += "/Condition"
	base.RawQuery = url.Values{
		"patient": {patientID},
		"_format": {"json"},
	}.Encode()

	httpReq, err := c.newRequest(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating condition request: %w", err)
	}
	httpReq.Header.Set("Accept", fhirJSON)

	body, err := c.do(c.bearerClient(ctx, token), httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch conditions: %w", err)
	}

	conditions, decodeErr := fhir.DecodeConditions(body)
	if decodeErr == nil {
		return conditions, nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, decodeErr
	}
	if outcome, ok := fhir.DecodeOperationOutcome(body); ok {
		return nil, &FHIROutcomeError{Detail: outcome.Summary()}
	}
	return nil, &UnexpectedResponseError{Snippet: snippet(body)}
}

// ResolveOrganizations searches the broker's organization directory
func (c *Client) ResolveOrganizations(ctx context.Context, query string) ([]fhir.OrgMatch, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, c.endpoint(resolvePath, url.Values{"q": {query}}), nil)
	if err != nil {
		return nil, fmt.Errorf("creating resolve request: %w", err)
	}

	body, err := c.do(c.http, httpReq)
	if err != nil {
		return nil, fmt.Errorf("resolve organizations: %w", err)
	}

	matches, err := fhir.DecodeOrgMatches(body)
	if err != nil {
		return nil, fmt.Errorf("resolve organizations: %w", err)
	}
	return matches, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// bearerClient returns an HTTP client that authorizes requests with the
// token, layered over the gateway's own client.
func (c *Client) bearerClient(ctx context.Context, token *oauth2.Token) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	src := oauth2.StaticTokenSource(token)
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = c.http.Timeout
	return hc
}

// do sends the request and returns the body of a 2xx response
func (c *Client) do(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Status: resp.StatusCode}
		if utf8.Valid(body) {
			httpErr.Body = string(body)
			httpErr.HasBody = true
		}
		return nil, httpErr
	}
	return body, nil
}

func (c *Client) doJSON(hc *http.Client, req *http.Request, v interface{}) error {
	body, err := c.do(hc, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
