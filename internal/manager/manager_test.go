package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credman/internal/authflow"
	"credman/internal/credstore"
	"credman/internal/provider"
	"credman/internal/refresh"
	"credman/internal/scope"
)

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, credstore.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := credstore.NewMemoryStore()
	client := provider.NewClient("test-client", provider.Endpoints{
		Token:               server.URL + "/token",
		DeviceAuthorization: server.URL + "/device",
	}, server.Client())

	scheduler := refresh.NewScheduler(refresh.Config{
		Store:     store,
		Client:    client,
		Skew:      time.Minute,
		RetryBase: 10 * time.Millisecond,
	})
	t.Cleanup(scheduler.Close)

	coordinator := authflow.New(authflow.Config{
		Client:      client,
		ClientID:    "test-client",
		ForceDevice: true,
		GrantTTL:    time.Minute,
	})

	m := New(Options{
		SubjectID:   "issuer.example.com/cli",
		Store:       store,
		Scheduler:   scheduler,
		Coordinator: coordinator,
		Scopes:      scope.NewManager(false),
		Hints:       credstore.Hints{Issuer: "https://issuer.example.com"},
	})
	return m, store
}

func seed(t *testing.T, store credstore.Store, scopes []string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.Save(&credstore.Record{
		SubjectID:     "issuer.example.com/cli",
		AccessSecret:  credstore.NewRedacted("at-seeded"),
		RenewalSecret: credstore.NewRedacted("rt-seeded"),
		GrantedScopes: scopes,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
	}))
}

func TestAcquireSatisfiedWithoutNetwork(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network activity expected for a satisfied request")
	})
	seed(t, store, []string{"read", "write"})

	for i := 0; i < 3; i++ {
		record, err := m.Acquire(context.Background(), []string{"read"})
		require.NoError(t, err)
		assert.Equal(t, "at-seeded", record.AccessSecret.Value())
	}
}

func TestAcquireWithoutCredential(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := m.Acquire(context.Background(), []string{"read"})
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []string{"read"}, authErr.Scopes)
	assert.Contains(t, authErr.Instructions, "credman login")
}

func TestAcquireInsufficientScopesRequestsUnion(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	seed(t, store, []string{"read"})

	_, err := m.Acquire(context.Background(), []string{"write"})
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.ElementsMatch(t, []string{"read", "write"}, authErr.Scopes)
}

func TestAcquireAfterRevocation(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	now := time.Now()
	require.NoError(t, store.Save(&credstore.Record{
		SubjectID:     "issuer.example.com/cli",
		AccessSecret:  credstore.NewRedacted("at-stale"),
		RenewalSecret: credstore.NewRedacted("rt-revoked"),
		IssuedAt:      now.Add(-2 * time.Hour),
		ExpiresAt:     now.Add(time.Second),
	}))

	_, err := m.Acquire(context.Background(), []string{"read"})
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
}

func TestLoginDeviceFlow(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/device" {
			w.Write([]byte(`{"device_code":"dc-1","user_code":"ABCD-1234","verification_uri":"https://issuer.example.com/device","expires_in":60,"interval":1}`))
			return
		}
		w.Write([]byte(`{"access_token":"at-login","token_type":"Bearer","refresh_token":"rt-login","expires_in":3600,"scope":"read write"}`))
	})

	var notified *authflow.PendingGrant
	record, err := m.Login(context.Background(), []string{"read", "write"}, func(g *authflow.PendingGrant) {
		notified = g
	})
	require.NoError(t, err)
	require.NotNil(t, notified)
	assert.Equal(t, "ABCD-1234", notified.UserCode)
	assert.Equal(t, "at-login", record.AccessSecret.Value())

	stored, err := store.Load("issuer.example.com/cli")
	require.NoError(t, err)
	assert.Equal(t, "rt-login", stored.RenewalSecret.Value())
	assert.Equal(t, "https://issuer.example.com", stored.Hints.Issuer)

	got, err := m.Acquire(context.Background(), []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "at-login", got.AccessSecret.Value())
}

func TestOnReactiveFailureForcesRenewal(t *testing.T) {
	var calls atomic.Int32
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-renewed","token_type":"Bearer","refresh_token":"rt-renewed","expires_in":3600}`))
	})
	seed(t, store, []string{"read"})

	// The stored credential looks valid, so Acquire stays off the
	// network.
	record, err := m.Acquire(context.Background(), []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "at-seeded", record.AccessSecret.Value())
	assert.EqualValues(t, 0, calls.Load())

	// The resource server rejected that secret anyway.
	record, err = m.OnReactiveFailure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-renewed", record.AccessSecret.Value())
	assert.EqualValues(t, 1, calls.Load())

	record, err = m.Acquire(context.Background(), []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "at-renewed", record.AccessSecret.Value())
	assert.EqualValues(t, 1, calls.Load())
}

func TestOnReactiveFailureRevokedRequiresAuth(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	seed(t, store, []string{"read"})

	_, err := m.OnReactiveFailure(context.Background())
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Instructions, "credman login")

	_, err = store.Load("issuer.example.com/cli")
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestStatusIncludesConfiguredSubject(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})

	statuses, err := m.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, refresh.StateUnauthenticated, statuses[0].State)

	seed(t, store, []string{"read"})
	statuses, err = m.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, refresh.StateValid, statuses[0].State)
	assert.Equal(t, []string{"read"}, statuses[0].Scopes)
}

func TestRevoke(t *testing.T) {
	m, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})
	seed(t, store, []string{"read"})

	require.NoError(t, m.Revoke())
	_, err := store.Load("issuer.example.com/cli")
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}
