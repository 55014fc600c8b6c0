package refresh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"credman/internal/classify"
	"credman/internal/credstore"
	"credman/internal/provider"
)

func newTestScheduler(t *testing.T, handler http.HandlerFunc) (*Scheduler, credstore.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := credstore.NewMemoryStore()
	client := provider.NewClient("test-client", provider.Endpoints{
		Token: server.URL + "/token",
	}, server.Client())

	scheduler := NewScheduler(Config{
		Store:     store,
		Client:    client,
		Skew:      time.Minute,
		RetryBase: 10 * time.Millisecond,
		RetryCap:  50 * time.Millisecond,
	})
	t.Cleanup(scheduler.Close)
	return scheduler, store
}

func seedRecord(t *testing.T, store credstore.Store, expiresIn time.Duration) {
	t.Helper()
	now := time.Now()
	err := store.Save(&credstore.Record{
		SubjectID:     "example.com/alice",
		AccessSecret:  credstore.NewRedacted("at-old"),
		RenewalSecret: credstore.NewRedacted("rt-old"),
		GrantedScopes: []string{"read"},
		IssuedAt:      now.Add(-time.Hour),
		ExpiresAt:     now.Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("seed Save() error = %v", err)
	}
}

func TestGetValidFreshRecordNoNetwork(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called for a fresh credential")
	})
	seedRecord(t, store, time.Hour)

	record, err := scheduler.GetValid(context.Background(), "example.com/alice")
	if err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	if record.AccessSecret.Value() != "at-old" {
		t.Error("fresh record was replaced")
	}
}

func TestGetValidRenewsInsideSkew(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	record, err := scheduler.GetValid(context.Background(), "example.com/alice")
	if err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	if record.AccessSecret.Value() != "at-new" {
		t.Error("record was not renewed")
	}

	stored, err := store.Load("example.com/alice")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.RenewalSecret.Value() != "rt-new" {
		t.Error("rotated renewal secret was not persisted")
	}
}

func TestRenewalKeepsOldSecretWithoutRotation(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	if _, err := scheduler.GetValid(context.Background(), "example.com/alice"); err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	stored, _ := store.Load("example.com/alice")
	if stored.RenewalSecret.Value() != "rt-old" {
		t.Error("previous renewal secret was not kept")
	}
	if !stored.HasScopes([]string{"read"}) {
		t.Error("granted scopes lost when the provider omitted them")
	}
}

func TestConcurrentCallersShareOneRenewal(t *testing.T) {
	var calls atomic.Int32
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = scheduler.GetValid(context.Background(), "example.com/alice")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("worker %d: GetValid() error = %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want exactly 1", got)
	}
}

func TestRenewForcesApparentlyFreshRecord(t *testing.T) {
	var calls atomic.Int32
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	// An hour of validity left, so GetValid would not touch the
	// network. A resource-server rejection must still force a renewal.
	seedRecord(t, store, time.Hour)

	record, err := scheduler.Renew(context.Background(), "example.com/alice")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if record.AccessSecret.Value() != "at-new" {
		t.Error("forced renewal did not replace the access secret")
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", calls.Load())
	}

	stored, err := store.Load("example.com/alice")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.RenewalSecret.Value() != "rt-new" {
		t.Error("rotated renewal secret was not persisted")
	}
}

func TestForcedRenewalSharedWithConcurrentGetValid(t *testing.T) {
	var calls atomic.Int32
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	const workers = 8
	var wg sync.WaitGroup
	records := make([]*credstore.Record, 2*workers)
	errs := make([]error, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			records[i], errs[i] = scheduler.Renew(context.Background(), "example.com/alice")
		}(i)
		go func(i int) {
			defer wg.Done()
			records[workers+i], errs[workers+i] = scheduler.GetValid(context.Background(), "example.com/alice")
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Errorf("caller %d: error = %v", i, errs[i])
			continue
		}
		if records[i].AccessSecret.Value() != "at-new" {
			t.Errorf("caller %d observed a stale access secret", i)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want exactly 1", got)
	}
}

func TestRotatedSecretReplayClassifiedRevoked(t *testing.T) {
	var mu sync.Mutex
	valid := "rt-old"
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got := r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")

		mu.Lock()
		defer mu.Unlock()
		if got != valid {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		valid = "rt-new"
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	if _, err := scheduler.GetValid(context.Background(), "example.com/alice"); err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	stored, err := store.Load("example.com/alice")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.RenewalSecret.Value() != "rt-new" {
		t.Fatal("renewal secret was not rotated")
	}

	// A stale copy of the record replays the rotated-out secret, as a
	// second process holding the pre-rotation record would.
	now := time.Now()
	if err := store.Save(&credstore.Record{
		SubjectID:     "example.com/alice",
		AccessSecret:  credstore.NewRedacted("at-old"),
		RenewalSecret: credstore.NewRedacted("rt-old"),
		IssuedAt:      now.Add(-time.Hour),
		ExpiresAt:     now.Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_, err = scheduler.Renew(context.Background(), "example.com/alice")
	var classified classify.Classified
	if !errors.As(err, &classified) || classified.Kind != classify.KindRevoked {
		t.Fatalf("Renew() error = %v, want revoked", err)
	}
	if _, err := store.Load("example.com/alice"); !errors.Is(err, credstore.ErrNotFound) {
		t.Error("replayed credential still stored")
	}
}

func TestRevocationClearsRecord(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	seedRecord(t, store, 30*time.Second)

	_, err := scheduler.GetValid(context.Background(), "example.com/alice")
	var classified classify.Classified
	if !errors.As(err, &classified) || classified.Kind != classify.KindRevoked {
		t.Fatalf("GetValid() error = %v, want revoked", err)
	}
	if _, err := store.Load("example.com/alice"); !errors.Is(err, credstore.ErrNotFound) {
		t.Error("revoked credential still stored")
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`upstream unavailable`))
			return
		}
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})
	seedRecord(t, store, 30*time.Second)

	if _, err := scheduler.GetValid(context.Background(), "example.com/alice"); err != nil {
		t.Fatalf("GetValid() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("provider called %d times, want 3", calls.Load())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	seedRecord(t, store, 30*time.Second)

	_, err := scheduler.GetValid(context.Background(), "example.com/alice")
	var classified classify.Classified
	if !errors.As(err, &classified) || classified.Kind != classify.KindTransientNetwork {
		t.Fatalf("GetValid() error = %v, want transient_network", err)
	}
}

func TestRenewWithoutRenewalSecret(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a renewal secret")
	})
	now := time.Now()
	store.Save(&credstore.Record{
		SubjectID:    "example.com/alice",
		AccessSecret: credstore.NewRedacted("at-old"),
		IssuedAt:     now.Add(-2 * time.Hour),
		ExpiresAt:    now.Add(-time.Hour),
	})

	_, err := scheduler.GetValid(context.Background(), "example.com/alice")
	if !classify.IsTerminal(err) {
		t.Fatalf("GetValid() error = %v, want a terminal classified error", err)
	}
}

func TestAdoptAndStatus(t *testing.T) {
	scheduler, store := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	if got := scheduler.Status("example.com/alice"); got != StateUnauthenticated {
		t.Errorf("Status() = %s, want unauthenticated", got)
	}

	_, err := scheduler.Adopt("example.com/alice", &provider.Token{
		AccessSecret:  "at-1",
		RenewalSecret: "rt-1",
		TokenType:     "Bearer",
		ExpiresAt:     time.Now().Add(time.Hour),
		Scopes:        []string{"read"},
	}, credstore.Hints{Issuer: "https://issuer.example.com"})
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}

	if got := scheduler.Status("example.com/alice"); got != StateValid {
		t.Errorf("Status() = %s, want valid", got)
	}
	stored, err := store.Load("example.com/alice")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.Hints.Issuer != "https://issuer.example.com" {
		t.Error("provider hints not persisted")
	}

	if err := scheduler.Revoke("example.com/alice"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if got := scheduler.Status("example.com/alice"); got != StateUnauthenticated {
		t.Errorf("Status() after revoke = %s, want unauthenticated", got)
	}
}

func TestProactiveRenewalFires(t *testing.T) {
	var calls atomic.Int32
	scheduler, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","refresh_token":"rt-new","expires_in":3600}`))
	})

	// Skew is one minute, so a credential expiring in ~60.2s arms the
	// timer roughly 200ms out.
	_, err := scheduler.Adopt("example.com/alice", &provider.Token{
		AccessSecret:  "at-1",
		RenewalSecret: "rt-1",
		ExpiresAt:     time.Now().Add(time.Minute + 200*time.Millisecond),
	}, credstore.Hints{})
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("proactive renewal never fired")
	}
}
