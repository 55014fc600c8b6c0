package authflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// verifierBytes is the entropy of the PKCE code verifier. 32 bytes
	// gives 256 bits, base64url-encoded to 43 characters.
	verifierBytes = 32

	// stateBytes encodes to 43 base64url characters, satisfying
	// providers that require a minimum of 32.
	stateBytes = 32
)

// pkceChallenge is a proof-of-possession pair for one authorization
// attempt. The verifier stays in process memory; only the S256
// challenge goes out in the authorization request.
type pkceChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

func generatePKCE() (*pkceChallenge, error) {
	raw := make([]byte, verifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	hash := sha256.Sum256([]byte(verifier))
	return &pkceChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(hash[:]),
		Method:    "S256",
	}, nil
}

// generateState returns the random value that links the authorization
// response back to this attempt and defeats CSRF.
func generateState() (string, error) {
	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
