package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Discover fetches authorization server metadata (RFC 8414) from the
// issuer's well-known path and returns the endpoints a client needs.
func Discover(ctx context.Context, httpClient *http.Client, issuer string) (Endpoints, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	metadataURL := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"
	slog.Debug("Discovering authorization server metadata", "url", metadataURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Endpoints{}, fmt.Errorf("metadata discovery failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to read metadata response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Endpoints{}, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var metadata struct {
		Issuer                      string `json:"issuer"`
		AuthorizationEndpoint       string `json:"authorization_endpoint"`
		TokenEndpoint               string `json:"token_endpoint"`
		DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	}
	if err := json.Unmarshal(body, &metadata); err != nil {
		return Endpoints{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.TokenEndpoint == "" {
		return Endpoints{}, fmt.Errorf("metadata from %s has no token endpoint", metadataURL)
	}

	return Endpoints{
		Authorization:       metadata.AuthorizationEndpoint,
		Token:               metadata.TokenEndpoint,
		DeviceAuthorization: metadata.DeviceAuthorizationEndpoint,
	}, nil
}
