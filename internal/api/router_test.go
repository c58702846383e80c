// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-desktop/novahub/internal/auth"
	"github.com/nova-desktop/novahub/internal/config"
	"github.com/nova-desktop/novahub/internal/database"
	"github.com/nova-desktop/novahub/internal/metrics"
	"github.com/nova-desktop/novahub/internal/models"
	"github.com/nova-desktop/novahub/internal/services"
)

type testEnv struct {
	server         *httptest.Server
	client         *http.Client
	authService    *auth.Service
	licenseService *services.LicenseService
}

func newTestEnv(t *testing.T, metricsEnabled bool) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := database.New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authService := auth.NewService(db.Conn(), "test-session-secret")

	licenseService, err := services.NewLicenseService(db, "key-pepper", "hwid-pepper", 6*time.Hour, nil)
	require.NoError(t, err)

	releaseService := services.NewReleaseService(filepath.Join(tmpDir, "releases.yaml"))

	var manager *metrics.Manager
	if metricsEnabled {
		manager = metrics.NewManager(licenseService, metrics.NewRecorder())
	}

	router := NewRouter(&Dependencies{
		Config: &config.AppConfig{
			Config: &config.Config{
				MetricsEnabled: metricsEnabled,
			},
		},
		DB:             db.Conn(),
		AuthService:    authService,
		LicenseService: licenseService,
		ReleaseService: releaseService,
		MetricsManager: manager,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		server:         server,
		client:         &http.Client{Jar: jar},
		authService:    authService,
		licenseService: licenseService,
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientActivateValidateFlow(t *testing.T) {
	env := newTestEnv(t, false)

	_, fullKey, err := env.licenseService.Generate(context.Background(), models.DurationMonth, nil, nil)
	require.NoError(t, err)

	// Activation binds the key to hwid-a
	resp := env.postJSON(t, "/api/activate", map[string]string{"key": fullKey, "hwid": "hwid-a"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "active", body["status"])
	assert.NotEmpty(t, body["expiresAt"])

	// Validation from the wrong machine is rejected with a terminal status
	resp = env.postJSON(t, "/api/validate", map[string]string{"key": fullKey, "hwid": "hwid-b"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "hwid_mismatch", body["status"])

	// The right machine keeps validating
	resp = env.postJSON(t, "/api/validate", map[string]string{"key": fullKey, "hwid": "hwid-a"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "active", body["status"])
}

func TestClientEndpointsRejectUnknownKey(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.postJSON(t, "/api/activate", map[string]string{
		"key":  "NOVA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA-AAAA",
		"hwid": "hwid-a",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesRequireSetupThenAuth(t *testing.T) {
	env := newTestEnv(t, false)

	// Before setup the admin surface is blocked
	resp := env.get(t, "/api/licenses", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	// Setup creates the admin and opens a session
	resp = env.postJSON(t, "/api/auth/setup", map[string]string{
		"username": "admin",
		"password": "correct-horse-battery",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Session cookie now authorizes admin routes
	resp = env.get(t, "/api/licenses", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A cookie-less client is still unauthorized
	bare := &http.Client{}
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/licenses", nil)
	require.NoError(t, err)
	bareResp, err := bare.Do(req)
	require.NoError(t, err)
	bareResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bareResp.StatusCode)
}

func TestLicenseAdminLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.postJSON(t, "/api/auth/setup", map[string]string{
		"username": "admin",
		"password": "correct-horse-battery",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Generate a key through the API; plaintext comes back once
	resp = env.postJSON(t, "/api/licenses", map[string]string{"duration": "30d"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	fullKey, _ := body["key"].(string)
	require.NotEmpty(t, fullKey)
	license, ok := body["license"].(map[string]any)
	require.True(t, ok)
	id, _ := license["id"].(string)
	require.NotEmpty(t, id)

	// Activate as a client, then revoke as admin
	resp = env.postJSON(t, "/api/activate", map[string]string{"key": fullKey, "hwid": "hwid-a"}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postJSON(t, "/api/licenses/"+id+"/revoke", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "revoked", body["status"])

	// Client sees the revocation
	resp = env.postJSON(t, "/api/validate", map[string]string{"key": fullKey, "hwid": "hwid-a"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "revoked", body["status"])
}

func TestRevealEndpointIsOneShot(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.postJSON(t, "/api/auth/setup", map[string]string{
		"username": "admin",
		"password": "correct-horse-battery",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.postJSON(t, "/api/licenses", map[string]string{"duration": "30d"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	fullKey, _ := body["key"].(string)
	license, ok := body["license"].(map[string]any)
	require.True(t, ok)
	id, _ := license["id"].(string)
	require.NotEmpty(t, id)

	resp = env.postJSON(t, "/api/licenses/"+id+"/reveal", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, fullKey, body["key"])

	// Second reveal is a conflict, not a server error
	resp = env.postJSON(t, "/api/licenses/"+id+"/reveal", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Contains(t, body["error"], "already cleared")

	resp = env.postJSON(t, "/api/licenses/missing-id/reveal", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.authService.SetupUser(context.Background(), "admin", "correct-horse-battery")
	require.NoError(t, err)

	rawKey, _, err := env.authService.CreateAPIKey(context.Background(), "ci")
	require.NoError(t, err)

	resp := env.get(t, "/api/licenses", map[string]string{"X-API-Key": rawKey})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/api/licenses", map[string]string{"X-API-Key": "bogus"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpointGating(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, false)

		resp := env.get(t, "/metrics", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("enabled_requires_auth", func(t *testing.T) {
		env := newTestEnv(t, true)

		_, err := env.authService.SetupUser(context.Background(), "admin", "correct-horse-battery")
		require.NoError(t, err)

		resp := env.get(t, "/metrics", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		rawKey, _, err := env.authService.CreateAPIKey(context.Background(), "prometheus")
		require.NoError(t, err)

		resp = env.get(t, "/metrics", map[string]string{"X-API-Key": rawKey})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestUpdatesLatestEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, "/api/updates/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "1.0.0", body["version"])

	resp = env.get(t, "/api/updates/latest?current=0.9.0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["is_newer"])
}
