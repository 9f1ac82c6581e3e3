// Package launch drives the SMART standalone patient launch: authorize
// through the broker, run the browser session, validate the callback
// against the stored PKCE pair, exchange the code and fetch the patient's
// resources.
package launch

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/wrale/smart-launch/internal/credential"
	"github.com/wrale/smart-launch/internal/fhir"
	"github.com/wrale/smart-launch/internal/gateway"
)

const (
	// DefaultRedirectURI is the registered redirect of the launch client
	DefaultRedirectURI = "myapp://oauth-callback"

	// DefaultCallbackScheme is the scheme the browser session waits for
	DefaultCallbackScheme = "myapp"

	// DefaultSandboxIss is the Epic sandbox issuer that enables auto-login
	DefaultSandboxIss = "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4"
)

// Gateway is the transport used by the flow
type Gateway interface {
	Authorize(ctx context.Context, req gateway.AuthorizeRequest) (*gateway.AuthorizeResult, error)
	Exchange(ctx context.Context, req gateway.ExchangeRequest) (*gateway.TokenResult, error)
	FetchPatient(ctx context.Context, iss, patientID string, token *oauth2.Token) (*fhir.Patient, error)
	FetchConditions(ctx context.Context, fhirBase, patientID string, token *oauth2.Token) ([]fhir.Condition, error)
	ResolveOrganizations(ctx context.Context, query string) ([]fhir.OrgMatch, error)
}

// Correlator holds the state and code verifier of the in-flight attempt
type Correlator interface {
	Save(ctx context.Context, p credential.Pending)
	LoadState(ctx context.Context) (string, bool)
	LoadVerifier(ctx context.Context) (string, bool)
	Clear(ctx context.Context)
}

// Presenter runs a browser authentication session and returns the callback
// URL once the browser is redirected to callbackScheme.
type Presenter interface {
	Authenticate(ctx context.Context, authURL *url.URL, callbackScheme string) (*url.URL, error)
}

// DeepLinkReceiver is implemented by presenters that accept callback URLs
// handed over by the host
type DeepLinkReceiver interface {
	Deliver(u *url.URL) bool
}

// Canceller is implemented by presenters whose waiting session can be
// abandoned by the host
type Canceller interface {
	Cancel() bool
}

// Config wires an Orchestrator
type Config struct {
	Gateway    Gateway
	Correlator Correlator
	Presenter  Presenter

	// Sandbox replaces Presenter for SandboxIss. It may return
	// ErrForceContinue to hand the same URL to Presenter.
	Sandbox    Presenter
	SandboxIss string

	RedirectURI    string
	CallbackScheme string
	Scope          string
	Aud            string
	Vendor         string
	QuickPicks     []QuickPick

	Logger zerolog.Logger
}

// Orchestrator runs one launch flow at a time and publishes its progress
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	snap    Snapshot
	lastErr error
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an orchestrator, filling unset redirect settings with the
// defaults
func New(cfg Config) *Orchestrator {
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.CallbackScheme == "" {
		cfg.CallbackScheme = DefaultCallbackScheme
	}
	if cfg.SandboxIss == "" {
		cfg.SandboxIss = DefaultSandboxIss
	}
	if cfg.QuickPicks == nil {
		cfg.QuickPicks = DefaultQuickPicks
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "launch").Logger(),
		snap: Snapshot{
			Phase:      PhaseIdle,
			OrgResults: []fhir.OrgMatch{},
		},
		subs: make(map[int]chan Snapshot),
	}
}

// StartFlow runs a launch for iss and blocks until it finishes. It returns
// false without doing anything when a flow is already running.
func (o *Orchestrator) StartFlow(ctx context.Context, iss string) bool {
	attempt, ok := o.claim()
	if !ok {
		return false
	}
	o.execute(ctx, iss, attempt)
	return true
}

// Launch starts a flow for iss in the background. It reports whether the
// flow started; a flow already running leaves it false. The returned
// channel is closed when the started flow finishes.
func (o *Orchestrator) Launch(ctx context.Context, iss string) (<-chan struct{}, bool) {
	attempt, ok := o.claim()
	if !ok {
		return nil, false
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.execute(ctx, iss, attempt)
	}()
	return done, true
}

// claim takes the single-flight slot and resets the previous results
func (o *Orchestrator) claim() (string, bool) {
	attempt := uuid.NewString()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snap.Loading {
		return "", false
	}
	o.snap.Loading = true
	o.snap.Attempt = attempt
	o.snap.Phase = PhaseAuthorizing
	o.snap.Error = ""
	o.snap.ErrorKind = ""
	o.snap.Patient = nil
	o.snap.Conditions = nil
	o.snap.ConditionsError = ""
	o.snap.LoadingConditions = false
	o.snap.FHIRUser = ""
	o.lastErr = nil
	o.publishLocked()
	return attempt, true
}

func (o *Orchestrator) execute(ctx context.Context, iss, attempt string) {
	logger := o.logger.With().Str("attempt", attempt).Str("iss", iss).Logger()
	logger.Info().Msg("starting launch flow")

	err := o.run(ctx, iss, logger)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.Loading = false
	o.snap.LoadingConditions = false
	if err != nil {
		flowErr := Classify(err)
		o.snap.Phase = PhaseFailed
		o.snap.Error = flowErr.Error()
		o.snap.ErrorKind = flowErr.Kind.String()
		o.lastErr = flowErr
		logger.Error().Err(err).Str("kind", flowErr.Kind.String()).Msg("launch flow failed")
	} else {
		o.snap.Phase = PhaseDone
		logger.Info().Msg("launch flow complete")
	}
	o.publishLocked()
}

func (o *Orchestrator) run(ctx context.Context, iss string, logger zerolog.Logger) error {
	auth, err := o.cfg.Gateway.Authorize(ctx, gateway.AuthorizeRequest{
		Iss:         iss,
		RedirectURI: o.cfg.RedirectURI,
		Scope:       o.cfg.Scope,
		Aud:         o.cfg.Aud,
		Vendor:      o.cfg.Vendor,
	})
	if err != nil {
		return err
	}

	// The pair must be stored before the browser can deliver a callback
	o.cfg.Correlator.Save(ctx, credential.Pending{State: auth.State, CodeVerifier: auth.CodeVerifier})
	defer o.cfg.Correlator.Clear(context.WithoutCancel(ctx))

	authURL, err := parseAuthorizationURL(auth.AuthorizationURL)
	if err != nil {
		return err
	}

	o.setPhase(PhaseAwaitingCallback)
	callbackURL, err := o.present(ctx, iss, authURL, logger)
	if err != nil {
		return err
	}

	cb, err := ParseCallback(callbackURL)
	if err != nil {
		return err
	}

	stored, ok := o.cfg.Correlator.LoadState(ctx)
	if !ok || stored != cb.State {
		return newError(KindStateMismatch)
	}
	verifier, ok := o.cfg.Correlator.LoadVerifier(ctx)
	if !ok || verifier == "" {
		return newError(KindMissingVerifier)
	}
	o.cfg.Correlator.Clear(context.WithoutCancel(ctx))

	issuer := auth.Iss
	if issuer == "" {
		issuer = iss
	}
	vendor := auth.Vendor
	if vendor == "" {
		vendor = o.cfg.Vendor
	}

	o.setPhase(PhaseExchangingToken)
	token, err := o.cfg.Gateway.Exchange(ctx, gateway.ExchangeRequest{
		Code:         cb.Code,
		Iss:          issuer,
		CodeVerifier: verifier,
		RedirectURI:  o.cfg.RedirectURI,
		Vendor:       vendor,
	})
	if err != nil {
		return err
	}
	if token.Patient == "" {
		return newError(KindMissingPatient)
	}

	fhirBase := token.FHIRBase
	if fhirBase == "" {
		fhirBase = issuer
	}
	bearer := token.OAuth2Token()

	o.setPhase(PhaseFetchingPatient)
	patient, err := o.cfg.Gateway.FetchPatient(ctx, fhirBase, token.Patient, bearer)
	if err != nil {
		return err
	}

	fhirUser := identityLabel(token, logger)
	o.update(func(s *Snapshot) {
		s.Patient = patient
		s.FHIRUser = fhirUser
		s.Phase = PhaseFetchingConditions
		s.LoadingConditions = true
	})

	conditions, err := o.cfg.Gateway.FetchConditions(ctx, fhirBase, token.Patient, bearer)
	o.update(func(s *Snapshot) {
		s.LoadingConditions = false
		if err != nil {
			s.ConditionsError = Classify(err).Error()
			return
		}
		if conditions == nil {
			conditions = []fhir.Condition{}
		}
		s.Conditions = conditions
	})
	if err != nil {
		logger.Warn().Err(err).Msg("fetching conditions")
	}
	return nil
}

func (o *Orchestrator) present(ctx context.Context, iss string, authURL *url.URL, logger zerolog.Logger) (*url.URL, error) {
	if o.cfg.Sandbox != nil && iss == o.cfg.SandboxIss {
		logger.Info().Msg("using sandbox auto-login")
		callbackURL, err := o.cfg.Sandbox.Authenticate(ctx, authURL, o.cfg.CallbackScheme)
		switch {
		case err == nil && callbackURL != nil:
			return callbackURL, nil
		case err == nil:
			return nil, newError(KindMissingCallback)
		case !errors.Is(err, ErrForceContinue):
			return nil, presentationError(err)
		}
		logger.Info().Msg("sandbox handed over to standard browser session")
	}

	if o.cfg.Presenter == nil {
		return nil, newError(KindAuthSessionFailed)
	}
	callbackURL, err := o.cfg.Presenter.Authenticate(ctx, authURL, o.cfg.CallbackScheme)
	if err != nil {
		return nil, presentationError(err)
	}
	if callbackURL == nil {
		return nil, newError(KindMissingCallback)
	}
	return callbackURL, nil
}

// identityLabel reads fhirUser, or the subject, from the id_token
func identityLabel(token *gateway.TokenResult, logger zerolog.Logger) string {
	claims, err := token.IDTokenClaims()
	if err != nil {
		if !errors.Is(err, gateway.ErrNoIDToken) {
			logger.Debug().Err(err).Msg("decoding id_token")
		}
		return ""
	}
	if claims.FHIRUser != "" {
		return claims.FHIRUser
	}
	return claims.Subject
}

// SearchOrganizations resolves a free-text query to candidate issuers. An
// empty query clears the results without a request; a failed search keeps
// the previous results and sets the error.
func (o *Orchestrator) SearchOrganizations(ctx context.Context, query string) ([]fhir.OrgMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		o.update(func(s *Snapshot) {
			s.OrgResults = []fhir.OrgMatch{}
		})
		return []fhir.OrgMatch{}, nil
	}

	o.update(func(s *Snapshot) {
		s.Error = ""
		s.ErrorKind = ""
		s.Searching = true
	})

	matches, err := o.cfg.Gateway.ResolveOrganizations(ctx, query)
	o.update(func(s *Snapshot) {
		s.Searching = false
		if err != nil {
			flowErr := Classify(err)
			s.Error = flowErr.Error()
			s.ErrorKind = flowErr.Kind.String()
			return
		}
		s.OrgResults = matches
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("query", query).Msg("organization search failed")
		return nil, Classify(err)
	}
	return matches, nil
}

// HandleDeepLink forwards a callback URL received by the host to the
// presenter. It reports whether a waiting session took it.
func (o *Orchestrator) HandleDeepLink(u *url.URL) bool {
	receiver, ok := o.cfg.Presenter.(DeepLinkReceiver)
	if !ok || u == nil {
		o.logger.Debug().Msg("ignoring deep link")
		return false
	}
	return receiver.Deliver(u)
}

// Cancel abandons the browser session of the running flow, which then
// fails with KindUserCancelled. It reports whether a session was waiting.
func (o *Orchestrator) Cancel() bool {
	cancelled := false
	for _, p := range []Presenter{o.cfg.Sandbox, o.cfg.Presenter} {
		if c, ok := p.(Canceller); ok && c.Cancel() {
			cancelled = true
		}
	}
	if !cancelled {
		o.logger.Debug().Msg("cancel ignored, no session waiting")
	}
	return cancelled
}

// QuickPicks returns the configured issuers offered without a search
func (o *Orchestrator) QuickPicks() []QuickPick {
	return append([]QuickPick(nil), o.cfg.QuickPicks...)
}

// Snapshot returns a copy of the current state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap.clone()
}

// Err returns the classified error of the last flow, if it failed
func (o *Orchestrator) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only see the most recent one. The returned function
// unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.snap.clone()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.update(func(s *Snapshot) {
		s.Phase = p
	})
}

func (o *Orchestrator) update(fn func(*Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.snap)
	o.publishLocked()
}

// publishLocked must be called with mu held
func (o *Orchestrator) publishLocked() {
	for _, ch := range o.subs {
		snap := o.snap.clone()
		select {
		case ch <- snap:
		default:
			// Replace the unread snapshot with the latest
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
