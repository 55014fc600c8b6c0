package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

// Kind identifies a failure category in the closed taxonomy. Every
// component downstream of the provider handles Kinds, never raw
// provider error strings.
type Kind int

const (
	// KindTransientNetwork covers timeouts, connection resets, and
	// 5xx responses. Retried locally with backoff.
	KindTransientNetwork Kind = iota

	// KindRateLimited covers 429 responses and the device-flow
	// slow_down signal. Retried after backing off.
	KindRateLimited

	// KindDenied means the user declined the authorization request.
	KindDenied

	// KindRevoked means the provider no longer honors the renewal
	// secret. The stored record must be cleared.
	KindRevoked

	// KindScopeInsufficient means the credential lacks a capability
	// the caller needs. Handled by incremental re-authorization, not
	// surfaced as an error.
	KindScopeInsufficient

	// KindMisconfigured covers invalid client setup. Never retried.
	KindMisconfigured

	// KindForgerySuspected means a callback arrived with a state
	// value that does not match any active grant.
	KindForgerySuspected

	// KindFlowExpired means a pending grant timed out before the
	// user completed it.
	KindFlowExpired
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindDenied:
		return "denied"
	case KindRevoked:
		return "revoked"
	case KindScopeInsufficient:
		return "scope_insufficient"
	case KindMisconfigured:
		return "misconfigured"
	case KindForgerySuspected:
		return "forgery_suspected"
	case KindFlowExpired:
		return "flow_expired"
	default:
		return "unknown"
	}
}

// RetryPolicy is the single retry decision attached to a Kind.
type RetryPolicy int

const (
	// RetryNone: fail immediately, no user action implied.
	RetryNone RetryPolicy = iota

	// RetryBackoff: retry a bounded number of times with
	// exponential backoff before escalating to terminal.
	RetryBackoff

	// RetrySingleFlight: force one immediate renewal through the
	// per-subject guard instead of surfacing the failure.
	RetrySingleFlight

	// RetryReauth: terminal, the user must re-authorize.
	RetryReauth
)

// Policy returns the retry policy for the kind.
func (k Kind) Policy() RetryPolicy {
	switch k {
	case KindTransientNetwork, KindRateLimited:
		return RetryBackoff
	case KindScopeInsufficient:
		return RetrySingleFlight
	case KindDenied, KindRevoked, KindFlowExpired, KindForgerySuspected:
		return RetryReauth
	default:
		return RetryNone
	}
}

// Classified is the taxonomy-tagged form of a raw failure. It
// implements error so it can travel up the call stack; UserMessage is
// what gets shown, never the provider payload.
type Classified struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
	Err         error
}

func (c Classified) Error() string {
	return c.UserMessage
}

func (c Classified) Unwrap() error {
	return c.Err
}

// New builds a Classified for a kind, deriving Retryable and the
// user-facing message from the taxonomy.
func New(kind Kind, err error) Classified {
	return Classified{
		Kind:        kind,
		Retryable:   kind.Policy() == RetryBackoff,
		UserMessage: userMessage(kind),
		Err:         err,
	}
}

// Classify maps a raw failure into the taxonomy. Already-classified
// errors pass through unchanged so protocol-level outcomes decided
// upstream (forgery, flow expiry) keep their kind.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	var c Classified
	if errors.As(err, &c) {
		return c
	}

	// Provider error bodies carry the authoritative signal.
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return classifyRetrieve(retrieve, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return New(KindTransientNetwork, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(KindTransientNetwork, err)
	}

	return New(KindTransientNetwork, err)
}

// providerError is the standard error body of a token endpoint
// response (RFC 6749 section 5.2).
type providerError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func classifyRetrieve(retrieve *oauth2.RetrieveError, err error) Classified {
	var body providerError
	if jsonErr := json.Unmarshal(retrieve.Body, &body); jsonErr == nil && body.Error != "" {
		switch body.Error {
		case "access_denied":
			return New(KindDenied, err)
		case "expired_token":
			return New(KindFlowExpired, err)
		case "invalid_grant", "invalid_token":
			return New(KindRevoked, err)
		case "invalid_client", "unauthorized_client", "invalid_request", "unsupported_grant_type":
			return New(KindMisconfigured, err)
		case "invalid_scope", "insufficient_scope":
			return New(KindScopeInsufficient, err)
		case "slow_down":
			return New(KindRateLimited, err)
		case "authorization_pending":
			// Flow-internal signal; the poll loop normally consumes
			// it before classification.
			return New(KindTransientNetwork, err)
		}
	}

	if retrieve.Response != nil {
		switch {
		case retrieve.Response.StatusCode == http.StatusTooManyRequests:
			return New(KindRateLimited, err)
		case retrieve.Response.StatusCode >= 500:
			return New(KindTransientNetwork, err)
		case retrieve.Response.StatusCode == http.StatusUnauthorized,
			retrieve.Response.StatusCode == http.StatusForbidden:
			return New(KindRevoked, err)
		case retrieve.Response.StatusCode >= 400:
			return New(KindMisconfigured, err)
		}
	}

	return New(KindTransientNetwork, err)
}

// userMessage returns the short, non-technical description plus next
// action for a kind. Raw provider error codes never appear here.
func userMessage(kind Kind) string {
	switch kind {
	case KindTransientNetwork:
		return "The authorization service could not be reached. Check your connection and try again."
	case KindRateLimited:
		return "The authorization service asked us to slow down. Wait a moment and try again."
	case KindDenied:
		return "The authorization request was declined. Run `credman login` to try again."
	case KindRevoked:
		return "Your stored credential is no longer valid. Run `credman reauth` to sign in again."
	case KindScopeInsufficient:
		return "Additional permissions are required. Run `credman login` to grant them."
	case KindMisconfigured:
		return "The client configuration is invalid. Check the provider settings in your config file."
	case KindForgerySuspected:
		return "The authorization response could not be verified and was rejected. Run `credman login` to start over."
	case KindFlowExpired:
		return "The sign-in request expired before it was completed. Run `credman login` to start over."
	default:
		return "An unexpected error occurred."
	}
}

// IsTerminal reports whether the error is a classified terminal
// failure that requires user action.
func IsTerminal(err error) bool {
	var c Classified
	if !errors.As(err, &c) {
		return false
	}
	return c.Kind.Policy() == RetryReauth || c.Kind.Policy() == RetryNone
}
