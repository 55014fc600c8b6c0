// Package provider implements the HTTP client side of the token
// protocol: code exchange, renewal, and device authorization against a
// configured authorization server.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBody bounds how much of an error response is read.
	maxResponseBody = 1 << 20
)

// Endpoints are the provider URLs a client talks to.
type Endpoints struct {
	Authorization       string
	Token               string
	DeviceAuthorization string
}

// Token is a freshly issued credential as the provider returned it.
type Token struct {
	AccessSecret  string
	RenewalSecret string
	TokenType     string
	ExpiresAt     time.Time
	Scopes        []string
}

// Client talks to one authorization server on behalf of one client id.
type Client struct {
	httpClient *http.Client
	clientID   string
	endpoints  Endpoints
	now        func() time.Time
}

// NewClient creates a provider client. A zero timeout on the supplied
// http.Client is replaced with a sane default.
func NewClient(clientID string, endpoints Endpoints, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	return &Client{
		httpClient: httpClient,
		clientID:   clientID,
		endpoints:  endpoints,
		now:        time.Now,
	}
}

// Exchange redeems an authorization code for a token, proving
// possession of the PKCE verifier.
func (c *Client) Exchange(ctx context.Context, code, verifier, redirectURI string) (*Token, error) {
	slog.Debug("Exchanging authorization code", "endpoint", c.endpoints.Token)
	return c.postToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
	})
}

// Refresh obtains a new token using the renewal secret. The provider
// may rotate the renewal secret; callers must check RenewalSecret on
// the returned token and keep the old one when it is empty.
func (c *Client) Refresh(ctx context.Context, renewalSecret string) (*Token, error) {
	slog.Debug("Renewing credential", "endpoint", c.endpoints.Token)
	return c.postToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {renewalSecret},
		"client_id":     {c.clientID},
	})
}

// postToken form-posts to the token endpoint and decodes the standard
// token response. Non-2xx responses come back as *oauth2.RetrieveError
// so the classifier can read the protocol error code from the body.
func (c *Client) postToken(ctx context.Context, form url.Values) (*Token, error) {
	body, err := c.postForm(ctx, c.endpoints.Token, form)
	if err != nil {
		return nil, err
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("token response contains no access token")
	}

	token := &Token{
		AccessSecret:  payload.AccessToken,
		RenewalSecret: payload.RefreshToken,
		TokenType:     payload.TokenType,
		Scopes:        splitScopes(payload.Scope),
	}
	if payload.ExpiresIn > 0 {
		token.ExpiresAt = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to authorization server failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}
	return body, nil
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
