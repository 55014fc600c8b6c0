package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func retrieveErr(status int, body string) error {
	return &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: status},
		Body:     []byte(body),
	}
}

func TestClassify_ProviderErrorBodies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"access denied", retrieveErr(400, `{"error":"access_denied"}`), KindDenied},
		{"expired device code", retrieveErr(400, `{"error":"expired_token"}`), KindFlowExpired},
		{"invalid grant", retrieveErr(400, `{"error":"invalid_grant"}`), KindRevoked},
		{"invalid token", retrieveErr(401, `{"error":"invalid_token"}`), KindRevoked},
		{"invalid client", retrieveErr(401, `{"error":"invalid_client"}`), KindMisconfigured},
		{"unsupported grant type", retrieveErr(400, `{"error":"unsupported_grant_type"}`), KindMisconfigured},
		{"invalid scope", retrieveErr(400, `{"error":"invalid_scope"}`), KindScopeInsufficient},
		{"slow down", retrieveErr(400, `{"error":"slow_down"}`), KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify() kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_StatusFallback(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimited},
		{"server error", http.StatusBadGateway, KindTransientNetwork},
		{"unauthorized", http.StatusUnauthorized, KindRevoked},
		{"bad request", http.StatusBadRequest, KindMisconfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(retrieveErr(tt.status, "not json"))
			if got.Kind != tt.want {
				t.Errorf("Classify() kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Kind != KindTransientNetwork {
		t.Errorf("deadline exceeded classified as %s, want transient_network", got.Kind)
	}
	if !got.Retryable {
		t.Error("transient failure should be retryable")
	}
}

func TestClassify_Passthrough(t *testing.T) {
	original := New(KindForgerySuspected, errors.New("state mismatch"))
	wrapped := fmt.Errorf("callback failed: %w", original)

	got := Classify(wrapped)
	if got.Kind != KindForgerySuspected {
		t.Errorf("wrapped classified error lost its kind: got %s", got.Kind)
	}
}

func TestClassify_NoProviderStringsInUserMessage(t *testing.T) {
	err := retrieveErr(400, `{"error":"invalid_grant","error_description":"AADSTS700082: super secret detail"}`)
	got := Classify(err)
	if got.UserMessage == "" {
		t.Fatal("expected a user message")
	}
	for _, leaked := range []string{"invalid_grant", "AADSTS700082"} {
		if strings.Contains(got.UserMessage, leaked) {
			t.Errorf("user message leaks provider detail %q: %s", leaked, got.UserMessage)
		}
	}
}

func TestKindPolicy(t *testing.T) {
	tests := []struct {
		kind Kind
		want RetryPolicy
	}{
		{KindTransientNetwork, RetryBackoff},
		{KindRateLimited, RetryBackoff},
		{KindScopeInsufficient, RetrySingleFlight},
		{KindDenied, RetryReauth},
		{KindRevoked, RetryReauth},
		{KindFlowExpired, RetryReauth},
		{KindForgerySuspected, RetryReauth},
	}

	for _, tt := range tests {
		if got := tt.kind.Policy(); got != tt.want {
			t.Errorf("%s policy = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(New(KindTransientNetwork, errors.New("timeout"))) {
		t.Error("transient failure reported as terminal")
	}
	if !IsTerminal(New(KindRevoked, errors.New("revoked"))) {
		t.Error("revocation not reported as terminal")
	}
	if IsTerminal(errors.New("unclassified")) {
		t.Error("unclassified error reported as terminal")
	}
}
