// Package authflow runs interactive authorization: the loopback
// redirect flow with PKCE when a browser and a local port are
// available, and the device-code flow otherwise.
package authflow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"credman/internal/classify"
	"credman/internal/provider"
)

// Flow identifies which grant type a pending authorization uses.
type Flow string

const (
	FlowAuthorizationCode Flow = "authorization_code"
	FlowDevice            Flow = "device"
)

const (
	// defaultGrantTTL bounds how long a started flow stays redeemable.
	defaultGrantTTL = 10 * time.Minute

	// devicePollCap is the upper bound on the device poll interval,
	// reached after repeated slow_down responses.
	devicePollCap = 60 * time.Second

	// devicePollBackoff is the multiplier applied on slow_down.
	devicePollBackoff = 1.5
)

// Config configures a Coordinator.
type Config struct {
	Client                *provider.Client
	ClientID              string
	AuthorizationEndpoint string

	// GrantTTL bounds the lifetime of a pending authorization. Zero
	// means the default of ten minutes.
	GrantTTL time.Duration

	// ForceDevice skips the loopback probe and always uses the
	// device-code flow.
	ForceDevice bool

	// NoBrowser suppresses opening a browser; the caller prints the
	// authorization URL instead.
	NoBrowser bool
}

// PendingGrant is one in-flight authorization attempt. Exactly one
// exists per distinct scope set; a second Begin for the same scopes
// joins the existing grant.
type PendingGrant struct {
	ID               string
	Flow             Flow
	Scopes           []string
	AuthorizationURL string
	UserCode         string
	VerificationURI  string
	ExpiresAt        time.Time

	state       string
	verifier    string
	redirectURI string
	deviceCode  string
	interval    time.Duration
	server      *callbackServer
	cancel      context.CancelFunc
}

// Coordinator starts and completes authorization flows.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*PendingGrant
}

func New(cfg Config) *Coordinator {
	if cfg.GrantTTL == 0 {
		cfg.GrantTTL = defaultGrantTTL
	}
	return &Coordinator{
		cfg:     cfg,
		pending: make(map[string]*PendingGrant),
	}
}

func scopeKey(scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	return strings.Join(sorted, " ")
}

// Begin starts an authorization flow for the scope set, or returns the
// already-pending grant for the same scopes. Flow selection is by
// capability: loopback redirect when a local port can be bound and the
// provider has an authorization endpoint, device code otherwise.
func (c *Coordinator) Begin(ctx context.Context, scopes []string) (*PendingGrant, error) {
	key := scopeKey(scopes)

	c.mu.Lock()
	if existing, ok := c.pending[key]; ok {
		if time.Now().Before(existing.ExpiresAt) {
			c.mu.Unlock()
			slog.Debug("Joining pending authorization", "grant_id", existing.ID)
			return existing, nil
		}
		delete(c.pending, key)
	}
	c.mu.Unlock()

	var (
		grant *PendingGrant
		err   error
	)
	if c.useDeviceFlow() {
		grant, err = c.beginDevice(ctx, scopes)
	} else {
		grant, err = c.beginLoopback(scopes)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[key] = grant
	c.mu.Unlock()

	slog.Info("Authorization flow started",
		"grant_id", grant.ID,
		"flow", string(grant.Flow),
		"scopes", strings.Join(scopes, " "))
	return grant, nil
}

// useDeviceFlow decides flow selection. The loopback flow needs an
// authorization endpoint and a bindable loopback port.
func (c *Coordinator) useDeviceFlow() bool {
	if c.cfg.ForceDevice {
		return true
	}
	if c.cfg.AuthorizationEndpoint == "" {
		return true
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		slog.Debug("Loopback port unavailable, using device flow", "error", err.Error())
		return true
	}
	_ = listener.Close()
	return false
}

func (c *Coordinator) beginLoopback(scopes []string) (*PendingGrant, error) {
	pkce, err := generatePKCE()
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	server := newCallbackServer()
	srvCtx, cancel := context.WithCancel(context.Background())
	redirectURI, err := server.start(srvCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.Method},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	authURL := c.cfg.AuthorizationEndpoint + "?" + params.Encode()

	grant := &PendingGrant{
		ID:               uuid.NewString(),
		Flow:             FlowAuthorizationCode,
		Scopes:           slices.Clone(scopes),
		AuthorizationURL: authURL,
		ExpiresAt:        time.Now().Add(c.cfg.GrantTTL),
		state:            state,
		verifier:         pkce.Verifier,
		redirectURI:      redirectURI,
		server:           server,
		cancel:           cancel,
	}

	if !c.cfg.NoBrowser {
		if err := openBrowser(authURL); err != nil {
			slog.Warn("Could not open browser, authorization URL must be opened manually", "error", err.Error())
		}
	}
	return grant, nil
}

func (c *Coordinator) beginDevice(ctx context.Context, scopes []string) (*PendingGrant, error) {
	auth, err := c.cfg.Client.DeviceAuthorize(ctx, scopes)
	if err != nil {
		return nil, classify.Classify(err)
	}

	expiresAt := auth.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(c.cfg.GrantTTL)
	}
	authURL := auth.VerificationURIComplete
	if authURL == "" {
		authURL = auth.VerificationURI
	}
	return &PendingGrant{
		ID:               uuid.NewString(),
		Flow:             FlowDevice,
		Scopes:           slices.Clone(scopes),
		AuthorizationURL: authURL,
		UserCode:         auth.UserCode,
		VerificationURI:  auth.VerificationURI,
		ExpiresAt:        expiresAt,
		deviceCode:       auth.DeviceCode,
		interval:         auth.Interval,
	}, nil
}

// Await blocks until the grant completes, fails, or expires. The
// returned error is always classified.
func (c *Coordinator) Await(ctx context.Context, grant *PendingGrant) (*provider.Token, error) {
	defer c.finish(grant)

	switch grant.Flow {
	case FlowDevice:
		return c.awaitDevice(ctx, grant)
	default:
		return c.awaitLoopback(ctx, grant)
	}
}

func (c *Coordinator) awaitLoopback(ctx context.Context, grant *PendingGrant) (*provider.Token, error) {
	waitCtx, cancel := context.WithDeadline(ctx, grant.ExpiresAt)
	defer cancel()

	result, err := grant.server.wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, classify.New(classify.KindFlowExpired,
				fmt.Errorf("no authorization response within %s", c.cfg.GrantTTL))
		}
		return nil, classify.Classify(err)
	}

	if result.isError() {
		kind := classify.KindMisconfigured
		if result.Error == "access_denied" {
			kind = classify.KindDenied
		}
		return nil, classify.New(kind, fmt.Errorf("authorization redirect reported %s", result.Error))
	}

	if subtle.ConstantTimeCompare([]byte(result.State), []byte(grant.state)) != 1 {
		slog.Warn("SECURITY_AUDIT: authorization response with mismatched state discarded",
			"grant_id", grant.ID)
		return nil, classify.New(classify.KindForgerySuspected,
			errors.New("authorization response state does not match request"))
	}
	if result.Code == "" {
		return nil, classify.New(classify.KindMisconfigured,
			errors.New("authorization response carries no code"))
	}

	token, err := c.cfg.Client.Exchange(ctx, result.Code, grant.verifier, grant.redirectURI)
	if err != nil {
		return nil, classify.Classify(err)
	}
	return token, nil
}

func (c *Coordinator) awaitDevice(ctx context.Context, grant *PendingGrant) (*provider.Token, error) {
	interval := grant.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if !time.Now().Before(grant.ExpiresAt) {
			return nil, classify.New(classify.KindFlowExpired,
				errors.New("device code expired before the user approved"))
		}

		select {
		case <-ctx.Done():
			return nil, classify.Classify(ctx.Err())
		case <-time.After(interval):
		}

		token, err := c.cfg.Client.DeviceExchange(ctx, grant.deviceCode)
		if err == nil {
			return token, nil
		}

		classified := classify.Classify(err)
		switch classified.Kind {
		case classify.KindTransientNetwork:
			// Covers authorization_pending; keep polling until the
			// grant expires.
		case classify.KindRateLimited:
			interval = time.Duration(float64(interval) * devicePollBackoff)
			if interval > devicePollCap {
				interval = devicePollCap
			}
			slog.Debug("Provider asked to slow down device polling", "interval", interval.String())
		default:
			return nil, classified
		}
	}
}

// Cancel abandons a pending grant and releases its callback server.
func (c *Coordinator) Cancel(grant *PendingGrant) {
	c.finish(grant)
}

func (c *Coordinator) finish(grant *PendingGrant) {
	if grant == nil {
		return
	}
	if grant.cancel != nil {
		grant.cancel()
	}
	c.mu.Lock()
	key := scopeKey(grant.Scopes)
	if current, ok := c.pending[key]; ok && current.ID == grant.ID {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}
