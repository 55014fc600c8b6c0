// Package scope decides whether a stored credential covers a request
// and what to ask for when it does not.
package scope

import (
	"fmt"
	"slices"
	"strings"

	"credman/internal/credstore"
)

// RequiresGrant reports that the stored credential cannot satisfy the
// requested scopes and a new authorization is needed.
type RequiresGrant struct {
	// Missing is the requested scopes the credential lacks.
	Missing []string

	// Request is the scope set to authorize. With incremental consent
	// this is only the missing scopes; otherwise it is the union of
	// granted and requested, so the new credential does not lose
	// scopes the old one had.
	Request []string
}

func (e *RequiresGrant) Error() string {
	return fmt.Sprintf("credential lacks scopes: %s", strings.Join(e.Missing, " "))
}

// Manager applies the scope policy.
type Manager struct {
	incremental bool
}

// NewManager creates a scope manager. With incremental true the
// provider is assumed to merge consent across grants, so only missing
// scopes are requested.
func NewManager(incremental bool) *Manager {
	return &Manager{incremental: incremental}
}

// Ensure returns nil when the record covers every requested scope, and
// a *RequiresGrant describing the follow-up authorization otherwise.
func (m *Manager) Ensure(record *credstore.Record, requested []string) error {
	var granted []string
	if record != nil {
		granted = record.GrantedScopes
	}

	var missing []string
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	request := missing
	if !m.incremental {
		request = union(granted, requested)
	}
	return &RequiresGrant{
		Missing: normalize(missing),
		Request: request,
	}
}

func union(a, b []string) []string {
	merged := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(merged, s) {
			merged = append(merged, s)
		}
	}
	return normalize(merged)
}

func normalize(scopes []string) []string {
	out := slices.Clone(scopes)
	slices.Sort(out)
	return slices.Compact(out)
}
