// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-desktop/novahub/internal/credstore"
	"github.com/nova-desktop/novahub/internal/hwid"
)

type stubVerifier struct {
	err error
}

func (v *stubVerifier) Check() error { return v.err }

func newTestSession(t *testing.T, hubURL string, verifierErr error) (*Session, *credstore.Store, string) {
	t.Helper()

	credPath := filepath.Join(t.TempDir(), "credential.bin")
	store := credstore.NewStore(credPath, []byte("test-installation-secret"), "machine-a")
	client := NewClient(hubURL, 5*time.Second)
	session := NewSession(client, store, hwid.Static("machine-a"), &stubVerifier{err: verifierErr}, 72*time.Hour)
	return session, store, credPath
}

func respondState(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"` + status + `","expiresAt":null,"secondsLeft":null}`))
}

func respondLifecycleFailure(w http.ResponseWriter, httpStatus int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write([]byte(`{"error":"` + message + `","status":"` + status + `"}`))
}

func TestLaunchBlocksOnIntegrityFailureBeforeAnyNetworkCall(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		respondState(w, "active")
	}))
	defer server.Close()

	session, store, _ := newTestSession(t, server.URL, assert.AnError)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now(),
	}))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonTampered, decision.Reason)
	assert.Equal(t, int64(0), requests.Load(), "integrity failure must short-circuit before the hub is contacted")
}

func TestLaunchPromptsForKeyWithoutCredential(t *testing.T) {
	session, _, _ := newTestSession(t, "http://127.0.0.1:0", nil)

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonKeyRequired, decision.Reason)
}

func TestActivateThenLaunchFlow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/activate", "/api/validate":
			respondState(w, "active")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)

	state, err := session.Activate(context.Background(), "NOVA-AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "active", state.Status)

	cred, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "NOVA-AAAA-BBBB-CCCC-DDDD", cred.Key)
	assert.False(t, cred.LastValidatedAt.IsZero())

	decision := session.Launch(context.Background())
	assert.True(t, decision.Unlocked)
	assert.Equal(t, ReasonActive, decision.Reason)
	require.NotNil(t, decision.State)
	assert.Equal(t, "active", decision.State.Status)
}

func TestActivateRejectedOnBoundKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondLifecycleFailure(w, http.StatusForbidden, "already_activated", "License key already activated on another device")
	}))
	defer server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)

	_, err := session.Activate(context.Background(), "NOVA-AAAA-BBBB-CCCC-DDDD")
	assert.ErrorIs(t, err, ErrAlreadyActivated)

	_, err = store.Load()
	assert.ErrorIs(t, err, credstore.ErrNotFound, "failed activation must not persist a credential")
}

func TestLaunchOfflineGraceWithinWindow(t *testing.T) {
	// Server that is already closed: every request fails at the transport
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now().Add(-time.Hour),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decision := session.Launch(ctx)

	assert.True(t, decision.Unlocked)
	assert.Equal(t, ReasonOfflineGrace, decision.Reason)
}

func TestLaunchOfflineGraceExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now().Add(-80 * time.Hour),
	}))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonGraceExpired, decision.Reason)
}

func TestLaunchOfflineWithLocallyExpiredKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		ExpiresAt:       &expired,
		LastValidatedAt: time.Now().Add(-time.Hour),
	}))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonExpired, decision.Reason)
}

func TestLaunchBlocksOnRevokedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondLifecycleFailure(w, http.StatusForbidden, "revoked", "License key has been revoked")
	}))
	defer server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now(),
	}))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonRevoked, decision.Reason)
}

func TestLaunchClearsCredentialForUnknownKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"License key not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	session, store, _ := newTestSession(t, server.URL, nil)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now(),
	}))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonKeyRequired, decision.Reason)

	_, err := store.Load()
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestLaunchDiscardsTamperedCredential(t *testing.T) {
	session, store, credPath := newTestSession(t, "http://127.0.0.1:0", nil)
	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now(),
	}))

	// Corrupt the blob on disk
	data, err := os.ReadFile(credPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(credPath, data, 0600))

	decision := session.Launch(context.Background())

	assert.False(t, decision.Unlocked)
	assert.Equal(t, ReasonKeyRequired, decision.Reason)

	_, err = store.Load()
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

// sequencedAPI fails validation with a scripted error sequence; the last
// error is sticky.
type sequencedAPI struct {
	mu   sync.Mutex
	errs []error
}

func (a *sequencedAPI) next() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.errs[0]
	if len(a.errs) > 1 {
		a.errs = a.errs[1:]
	}
	return err
}

func (a *sequencedAPI) Activate(ctx context.Context, key, hwid string) (*LicenseState, error) {
	return nil, a.next()
}

func (a *sequencedAPI) Validate(ctx context.Context, key, hwid string) (*LicenseState, error) {
	return nil, a.next()
}

func TestBackgroundRevalidationRejectionBlocksSession(t *testing.T) {
	session, store, _ := newTestSession(t, "http://127.0.0.1:0", nil)
	session.client = &sequencedAPI{errs: []error{ErrNetworkUnavailable, ErrRevoked}}
	session.retryBase = 5 * time.Millisecond

	blocked := make(chan Decision, 1)
	session.OnBlocked(func(d Decision) { blocked <- d })

	require.NoError(t, store.Save(&credstore.Credential{
		Key:             "NOVA-AAAA-BBBB-CCCC-DDDD",
		Status:          "active",
		LastValidatedAt: time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decision := session.Launch(ctx)
	require.True(t, decision.Unlocked)
	require.Equal(t, ReasonOfflineGrace, decision.Reason)

	select {
	case d := <-blocked:
		assert.Equal(t, ReasonRevoked, d.Reason)
		assert.False(t, d.Unlocked)
	case <-time.After(5 * time.Second):
		t.Fatal("revoked key never triggered the blocked callback")
	}

	_, err := store.Load()
	assert.ErrorIs(t, err, credstore.ErrNotFound, "revoked credential must not survive for another offline launch")
}
