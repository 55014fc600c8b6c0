// Package refresh keeps stored credentials fresh: on-demand renewal
// with single-flight deduplication, proactive renewal ahead of expiry,
// and terminal handling of revocation.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"credman/internal/classify"
	"credman/internal/credstore"
	"credman/internal/provider"
)

// State is the lifecycle position of one subject's credential.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateValid           State = "valid"
	StateExpired         State = "expired"
	StateRefreshing      State = "refreshing"
)

// Config configures a Scheduler.
type Config struct {
	Store  credstore.Store
	Client *provider.Client

	// Skew is how long before expiry a credential is treated as due
	// for renewal. Zero means five minutes.
	Skew time.Duration

	// RetryBudget is the number of renewal attempts for transient
	// failures before giving up. Zero means four.
	RetryBudget int

	// RetryBase and RetryCap bound the exponential backoff between
	// attempts. Zero means 500ms and 30s.
	RetryBase time.Duration
	RetryCap  time.Duration

	// RenewTimeout bounds a proactive background renewal. Zero means
	// one minute.
	RenewTimeout time.Duration
}

// Scheduler renews credentials for any number of subjects. It is the
// only writer to the store during process lifetime.
type Scheduler struct {
	cfg   Config
	group singleflight.Group
	now   func() time.Time

	mu         sync.Mutex
	refreshing map[string]bool
	timers     map[string]*time.Timer
	closed     bool
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Skew == 0 {
		cfg.Skew = 5 * time.Minute
	}
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 4
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = 30 * time.Second
	}
	if cfg.RenewTimeout == 0 {
		cfg.RenewTimeout = time.Minute
	}
	return &Scheduler{
		cfg:        cfg,
		now:        time.Now,
		refreshing: make(map[string]bool),
		timers:     make(map[string]*time.Timer),
	}
}

// GetValid returns a usable credential for the subject, renewing it
// first when it is inside the skew window. Concurrent callers for the
// same subject share one renewal.
func (s *Scheduler) GetValid(ctx context.Context, subjectID string) (*credstore.Record, error) {
	record, err := s.cfg.Store.Load(subjectID)
	if err != nil {
		return nil, err
	}
	if s.usable(record) {
		return record, nil
	}
	return s.renew(ctx, subjectID, false)
}

// Renew forces a renewal regardless of apparent freshness. Callers use
// it after the provider rejected a secret the store considered valid.
func (s *Scheduler) Renew(ctx context.Context, subjectID string) (*credstore.Record, error) {
	return s.renew(ctx, subjectID, true)
}

// usable applies the skew window, so callers get a secret that will
// outlive the request they are about to make.
func (s *Scheduler) usable(record *credstore.Record) bool {
	if record == nil {
		return false
	}
	if record.ExpiresAt.IsZero() {
		return true
	}
	return s.now().Add(s.cfg.Skew).Before(record.ExpiresAt)
}

func (s *Scheduler) renew(ctx context.Context, subjectID string, force bool) (*credstore.Record, error) {
	result, err, _ := s.group.Do(subjectID, func() (any, error) {
		s.setRefreshing(subjectID, true)
		defer s.setRefreshing(subjectID, false)

		// Reload under the guard: a competing caller may have already
		// renewed while this one waited.
		record, err := s.cfg.Store.Load(subjectID)
		if err != nil {
			return nil, err
		}
		if !force && s.usable(record) {
			return record, nil
		}
		if record.RenewalSecret.IsEmpty() {
			return nil, classify.New(classify.KindRevoked,
				errors.New("credential has no renewal secret and cannot be renewed"))
		}
		return s.renewWithRetry(ctx, subjectID, record)
	})
	if err != nil {
		return nil, err
	}
	return result.(*credstore.Record), nil
}

// renewWithRetry runs the renewal with bounded backoff for transient
// failures. Terminal failures return immediately; revocation also
// clears the stored record.
func (s *Scheduler) renewWithRetry(ctx context.Context, subjectID string, record *credstore.Record) (*credstore.Record, error) {
	var classified classify.Classified
	delay := s.cfg.RetryBase

	for attempt := 1; attempt <= s.cfg.RetryBudget; attempt++ {
		token, err := s.cfg.Client.Refresh(ctx, record.RenewalSecret.Value())
		if err == nil {
			renewed, saveErr := s.adopt(subjectID, token, record)
			if saveErr != nil {
				return nil, saveErr
			}
			slog.Info("Credential renewed", "subject", subjectID, "expires_at", renewed.ExpiresAt)
			return renewed, nil
		}

		classified = classify.Classify(err)
		if classified.Kind == classify.KindRevoked {
			slog.Warn("SECURITY_AUDIT: renewal secret rejected by provider, clearing credential",
				"subject", subjectID)
			if delErr := s.cfg.Store.Delete(subjectID); delErr != nil {
				slog.Error("Failed to clear revoked credential", "subject", subjectID, "error", delErr.Error())
			}
			s.cancelTimer(subjectID)
			return nil, classified
		}
		if !classified.Retryable {
			return nil, classified
		}

		slog.Debug("Renewal attempt failed, backing off",
			"subject", subjectID, "attempt", attempt, "delay", delay.String())
		select {
		case <-ctx.Done():
			return nil, classify.Classify(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.RetryCap {
			delay = s.cfg.RetryCap
		}
	}
	return nil, classified
}

// adopt merges a provider token into the previous record and persists
// it before the single-flight guard releases, so no caller ever
// observes the rotated-out renewal secret.
func (s *Scheduler) adopt(subjectID string, token *provider.Token, previous *credstore.Record) (*credstore.Record, error) {
	record := &credstore.Record{
		SubjectID:     subjectID,
		AccessSecret:  credstore.NewRedacted(token.AccessSecret),
		RenewalSecret: credstore.NewRedacted(token.RenewalSecret),
		GrantedScopes: token.Scopes,
		IssuedAt:      s.now(),
		ExpiresAt:     token.ExpiresAt,
	}
	if previous != nil {
		record.Hints = previous.Hints
		if record.RenewalSecret.IsEmpty() {
			// Provider did not rotate; the old secret stays valid.
			record.RenewalSecret = previous.RenewalSecret
		}
		if len(record.GrantedScopes) == 0 {
			record.GrantedScopes = previous.GrantedScopes
		}
	}
	if token.TokenType != "" {
		record.Hints.TokenType = token.TokenType
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.IssuedAt.Add(time.Hour)
	}

	if err := s.cfg.Store.Save(record); err != nil {
		return nil, fmt.Errorf("failed to persist renewed credential: %w", err)
	}
	s.scheduleRenewal(subjectID, record.ExpiresAt)
	return record, nil
}

// Adopt installs a freshly authorized token for the subject, replacing
// whatever was stored.
func (s *Scheduler) Adopt(subjectID string, token *provider.Token, hints credstore.Hints) (*credstore.Record, error) {
	previous, err := s.cfg.Store.Load(subjectID)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		return nil, err
	}
	if previous == nil {
		previous = &credstore.Record{}
	}
	previous.Hints = hints
	return s.adopt(subjectID, token, previous)
}

// Revoke forgets the subject's credential locally.
func (s *Scheduler) Revoke(subjectID string) error {
	s.cancelTimer(subjectID)
	if err := s.cfg.Store.Delete(subjectID); err != nil {
		return err
	}
	slog.Info("Credential removed", "subject", subjectID)
	return nil
}

// Status reports the lifecycle state of the subject's credential.
func (s *Scheduler) Status(subjectID string) State {
	s.mu.Lock()
	refreshing := s.refreshing[subjectID]
	s.mu.Unlock()
	if refreshing {
		return StateRefreshing
	}

	record, err := s.cfg.Store.Load(subjectID)
	if err != nil {
		return StateUnauthenticated
	}
	if s.usable(record) || record.Fresh(s.now()) {
		return StateValid
	}
	if !record.RenewalSecret.IsEmpty() {
		return StateExpired
	}
	return StateUnauthenticated
}

// WatchStore reacts to records written by another process, for example
// a login completed in a second terminal. It returns immediately when
// the store cannot watch.
func (s *Scheduler) WatchStore(ctx context.Context) {
	watcher, ok := s.cfg.Store.(credstore.Watcher)
	if !ok {
		return
	}
	changes, err := watcher.Watch(ctx)
	if err != nil {
		slog.Debug("Store watching unavailable", "error", err.Error())
		return
	}
	go func() {
		for subjectID := range changes {
			record, err := s.cfg.Store.Load(subjectID)
			if err != nil {
				continue
			}
			slog.Info("Credential updated by another process", "subject", subjectID)
			s.scheduleRenewal(subjectID, record.ExpiresAt)
		}
	}()
}

// scheduleRenewal arms the proactive timer at expiry minus skew.
func (s *Scheduler) scheduleRenewal(subjectID string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}
	fireIn := expiresAt.Add(-s.cfg.Skew).Sub(s.now())
	if fireIn < 0 {
		fireIn = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if timer, ok := s.timers[subjectID]; ok {
		timer.Stop()
	}
	s.timers[subjectID] = time.AfterFunc(fireIn, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RenewTimeout)
		defer cancel()
		if _, err := s.renew(ctx, subjectID, false); err != nil {
			if classify.IsTerminal(err) {
				slog.Warn("Proactive renewal requires re-authorization", "subject", subjectID)
				return
			}
			slog.Debug("Proactive renewal failed, will retry on demand",
				"subject", subjectID, "error", err.Error())
		}
	})
}

func (s *Scheduler) cancelTimer(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[subjectID]; ok {
		timer.Stop()
		delete(s.timers, subjectID)
	}
}

func (s *Scheduler) setRefreshing(subjectID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.refreshing[subjectID] = true
	} else {
		delete(s.refreshing, subjectID)
	}
}

// Close stops all proactive timers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for subjectID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, subjectID)
	}
}
