package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// expiryBuffer is the margin applied when checking record validity.
// It absorbs clock skew and the latency of the request the secret is
// about to authenticate.
const expiryBuffer = 60 * time.Second

// Hints carries the provider metadata resolved when the record was
// issued, so later invocations can renew without re-running endpoint
// discovery.
type Hints struct {
	Issuer                string `json:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	DeviceEndpoint        string `json:"device_endpoint,omitempty"`
	TokenType             string `json:"token_type,omitempty"`
}

// Record is a durable credential for one subject.
//
// SECURITY: the secrets are Redacted values so that a Record reaching
// a log attribute, a %+v dump, or json.Marshal never leaks them. Call
// Value() only at the point of use.
type Record struct {
	SubjectID     string    `json:"subject_id"`
	AccessSecret  Redacted  `json:"access_secret"`
	RenewalSecret Redacted  `json:"renewal_secret,omitempty"`
	GrantedScopes []string  `json:"granted_scopes,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Hints         Hints     `json:"provider_hints"`
}

// storedRecord is the persisted form of a Record. Record itself
// marshals with its secrets redacted, so the backends encode this
// mirror to keep the real values.
type storedRecord struct {
	SubjectID     string    `json:"subject_id"`
	AccessSecret  string    `json:"access_secret"`
	RenewalSecret string    `json:"renewal_secret,omitempty"`
	GrantedScopes []string  `json:"granted_scopes,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Hints         Hints     `json:"provider_hints"`
}

func encodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(storedRecord{
		SubjectID:     r.SubjectID,
		AccessSecret:  r.AccessSecret.Value(),
		RenewalSecret: r.RenewalSecret.Value(),
		GrantedScopes: r.GrantedScopes,
		IssuedAt:      r.IssuedAt,
		ExpiresAt:     r.ExpiresAt,
		Hints:         r.Hints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode credential record: %w", err)
	}
	return &Record{
		SubjectID:     stored.SubjectID,
		AccessSecret:  NewRedacted(stored.AccessSecret),
		RenewalSecret: NewRedacted(stored.RenewalSecret),
		GrantedScopes: stored.GrantedScopes,
		IssuedAt:      stored.IssuedAt,
		ExpiresAt:     stored.ExpiresAt,
		Hints:         stored.Hints,
	}, nil
}

// Validate checks the record invariants before it is persisted.
func (r *Record) Validate() error {
	if r.SubjectID == "" {
		return errors.New("record has no subject id")
	}
	if r.AccessSecret.IsEmpty() {
		return errors.New("record has no access secret")
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		return errors.New("record expiry is not after issue time")
	}
	return nil
}

// Fresh reports whether the access secret is still usable at the
// given instant, with the safety buffer applied.
func (r *Record) Fresh(now time.Time) bool {
	if r == nil {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(expiryBuffer).Before(r.ExpiresAt)
}

// HasScopes reports whether every requested scope is granted.
func (r *Record) HasScopes(scopes []string) bool {
	if r == nil {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(r.GrantedScopes, s) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate the scheduler's
// authoritative record through a shared slice.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.GrantedScopes = slices.Clone(r.GrantedScopes)
	return &out
}
