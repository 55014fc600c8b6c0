// Package manager is the high-level credential API: callers ask for a
// valid credential covering a scope set and get either the credential,
// a transient failure, or an explicit instruction to authorize.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"credman/internal/authflow"
	"credman/internal/classify"
	"credman/internal/credstore"
	"credman/internal/refresh"
	"credman/internal/scope"
)

// AuthRequiredError tells the caller that no amount of silent renewal
// will produce a usable credential; a human has to authorize.
type AuthRequiredError struct {
	// Scopes is the scope set to authorize.
	Scopes []string

	// Instructions is the next action for the user.
	Instructions string
}

func (e *AuthRequiredError) Error() string {
	if len(e.Scopes) == 0 {
		return e.Instructions
	}
	return fmt.Sprintf("%s (scopes: %s)", e.Instructions, strings.Join(e.Scopes, " "))
}

// SubjectStatus is one row of `credman status`.
type SubjectStatus struct {
	SubjectID string
	State     refresh.State
	ExpiresAt time.Time
	Scopes    []string
}

// Options wires a Manager.
type Options struct {
	SubjectID   string
	Store       credstore.Store
	Scheduler   *refresh.Scheduler
	Coordinator *authflow.Coordinator
	Scopes      *scope.Manager
	Hints       credstore.Hints
}

// Manager coordinates the credential lifecycle for one configured
// subject.
type Manager struct {
	opts Options
}

func New(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Acquire returns a valid credential covering the requested scopes.
// A satisfied repeat call performs no network activity. When the
// credential is missing, revoked, or short on scopes, the error is an
// *AuthRequiredError; transient failures come back classified and
// retryable.
func (m *Manager) Acquire(ctx context.Context, scopes []string) (*credstore.Record, error) {
	record, err := m.opts.Scheduler.GetValid(ctx, m.opts.SubjectID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) || classify.IsTerminal(err) {
			return nil, m.authRequired(scopes)
		}
		return nil, err
	}

	if scopeErr := m.opts.Scopes.Ensure(record, scopes); scopeErr != nil {
		var requires *scope.RequiresGrant
		if errors.As(scopeErr, &requires) {
			return nil, m.authRequired(requires.Request)
		}
		return nil, scopeErr
	}
	return record, nil
}

// OnReactiveFailure forces a renewal after the resource server
// rejected a secret the store still considered valid, typically a
// 401 on a request authenticated with the stored access secret.
// Concurrent callers, including GetValid waiters, share one renewal.
func (m *Manager) OnReactiveFailure(ctx context.Context) (*credstore.Record, error) {
	record, err := m.opts.Scheduler.Renew(ctx, m.opts.SubjectID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) || classify.IsTerminal(err) {
			return nil, m.authRequired(nil)
		}
		return nil, err
	}
	return record, nil
}

func (m *Manager) authRequired(scopes []string) *AuthRequiredError {
	return &AuthRequiredError{
		Scopes:       scopes,
		Instructions: "authorization required, run `credman login`",
	}
}

// Login runs the interactive authorization flow for the scope set and
// persists the result. notify, if non-nil, is called once the flow has
// started so the caller can show the URL or device code.
func (m *Manager) Login(ctx context.Context, scopes []string, notify func(*authflow.PendingGrant)) (*credstore.Record, error) {
	request := scopes

	// Widen the request so a new grant never loses scopes the stored
	// credential already had.
	if existing, err := m.opts.Store.Load(m.opts.SubjectID); err == nil {
		if scopeErr := m.opts.Scopes.Ensure(existing, scopes); scopeErr != nil {
			var requires *scope.RequiresGrant
			if errors.As(scopeErr, &requires) {
				request = requires.Request
			}
		}
	}

	grant, err := m.opts.Coordinator.Begin(ctx, request)
	if err != nil {
		return nil, err
	}
	if notify != nil {
		notify(grant)
	}

	token, err := m.opts.Coordinator.Await(ctx, grant)
	if err != nil {
		return nil, err
	}
	return m.opts.Scheduler.Adopt(m.opts.SubjectID, token, m.opts.Hints)
}

// Reauth discards renewal state and runs a fresh authorization for the
// scopes the credential had, plus any extra requested.
func (m *Manager) Reauth(ctx context.Context, extra []string, notify func(*authflow.PendingGrant)) (*credstore.Record, error) {
	scopes := extra
	if record, err := m.opts.Store.Load(m.opts.SubjectID); err == nil {
		merged := slices.Clone(record.GrantedScopes)
		for _, s := range extra {
			if !slices.Contains(merged, s) {
				merged = append(merged, s)
			}
		}
		scopes = merged
	}
	return m.Login(ctx, scopes, notify)
}

// Revoke forgets the stored credential.
func (m *Manager) Revoke() error {
	return m.opts.Scheduler.Revoke(m.opts.SubjectID)
}

// Status reports every stored subject, with the configured subject
// included even when nothing is stored yet.
func (m *Manager) Status() ([]SubjectStatus, error) {
	subjects, err := m.opts.Store.List()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(subjects, m.opts.SubjectID) {
		subjects = append(subjects, m.opts.SubjectID)
	}

	statuses := make([]SubjectStatus, 0, len(subjects))
	for _, subjectID := range subjects {
		status := SubjectStatus{
			SubjectID: subjectID,
			State:     m.opts.Scheduler.Status(subjectID),
		}
		if record, err := m.opts.Store.Load(subjectID); err == nil {
			status.ExpiresAt = record.ExpiresAt
			status.Scopes = record.GrantedScopes
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
