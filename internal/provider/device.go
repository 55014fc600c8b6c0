package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// DeviceAuth is a pending device authorization. The user enters
// UserCode at VerificationURI on another device while the client polls
// with DeviceCode.
type DeviceAuth struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration
}

// DeviceAuthorize starts a device-code grant for the given scopes.
func (c *Client) DeviceAuthorize(ctx context.Context, scopes []string) (*DeviceAuth, error) {
	if c.endpoints.DeviceAuthorization == "" {
		return nil, fmt.Errorf("provider does not support device authorization")
	}
	slog.Debug("Requesting device authorization", "endpoint", c.endpoints.DeviceAuthorization)

	form := url.Values{"client_id": {c.clientID}}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	body, err := c.postForm(ctx, c.endpoints.DeviceAuthorization, form)
	if err != nil {
		return nil, err
	}

	var payload struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int64  `json:"expires_in"`
		Interval                int64  `json:"interval"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode device authorization response: %w", err)
	}
	if payload.DeviceCode == "" || payload.UserCode == "" {
		return nil, fmt.Errorf("device authorization response is incomplete")
	}

	auth := &DeviceAuth{
		DeviceCode:              payload.DeviceCode,
		UserCode:                payload.UserCode,
		VerificationURI:         payload.VerificationURI,
		VerificationURIComplete: payload.VerificationURIComplete,
		Interval:                5 * time.Second,
	}
	if payload.ExpiresIn > 0 {
		auth.ExpiresAt = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	if payload.Interval > 0 {
		auth.Interval = time.Duration(payload.Interval) * time.Second
	}
	return auth, nil
}

// DeviceExchange polls the token endpoint once with the device code.
// While the user has not finished, the provider answers with
// authorization_pending or slow_down, both surfaced as
// *oauth2.RetrieveError for the caller's poll loop to classify.
func (c *Client) DeviceExchange(ctx context.Context, deviceCode string) (*Token, error) {
	return c.postToken(ctx, url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	})
}
