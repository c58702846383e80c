// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package agent implements the desktop-side license flow: talking to the
// hub, caching the credential, and deciding whether the application runs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNetworkUnavailable covers transport-level failures: the hub could
	// not be reached at all. Callers fall back to the offline grace window.
	ErrNetworkUnavailable = errors.New("license server unreachable")

	ErrKeyNotFound      = errors.New("license key not found")
	ErrAlreadyActivated = errors.New("license key already activated on another device")
	ErrHwidMismatch     = errors.New("license key bound to another device")
	ErrExpired          = errors.New("license key expired")
	ErrRevoked          = errors.New("license key revoked")
	ErrNotActivated     = errors.New("license key not activated")
)

// statusErrors maps the hub's lifecycle status payloads back onto the
// client-side taxonomy.
var statusErrors = map[string]error{
	"not_found":         ErrKeyNotFound,
	"already_activated": ErrAlreadyActivated,
	"hwid_mismatch":     ErrHwidMismatch,
	"expired":           ErrExpired,
	"revoked":           ErrRevoked,
	"not_activated":     ErrNotActivated,
}

// LicenseState is the hub's answer to a successful activate or validate.
type LicenseState struct {
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	SecondsLeft *int       `json:"secondsLeft"`
}

// ReleaseInfo describes the latest published build.
type ReleaseInfo struct {
	Version       string `json:"version"`
	DownloadURL   string `json:"download_url"`
	Notes         string `json:"notes"`
	NoticeID      string `json:"notice_id,omitempty"`
	NoticeMessage string `json:"notice_message,omitempty"`
	IsNewer       bool   `json:"is_newer,omitempty"`
}

// Client talks to the hub's public endpoints. It holds no credential state;
// that belongs to the Session.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type clientRequest struct {
	Key  string `json:"key"`
	Hwid string `json:"hwid"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// Activate binds the key to this machine.
func (c *Client) Activate(ctx context.Context, key, hwid string) (*LicenseState, error) {
	return c.lifecycleCall(ctx, "/api/activate", key, hwid)
}

// Validate confirms the key is still active for this machine.
func (c *Client) Validate(ctx context.Context, key, hwid string) (*LicenseState, error) {
	return c.lifecycleCall(ctx, "/api/validate", key, hwid)
}

// LatestRelease fetches the newest published build. Pass the running version
// to have the hub compare it, or empty to skip the comparison.
func (c *Client) LatestRelease(ctx context.Context, currentVersion string) (*ReleaseInfo, error) {
	endpoint := c.baseURL + "/api/updates/latest"
	if currentVersion != "" {
		endpoint += "?current=" + url.QueryEscape(currentVersion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", "nova-agent")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrNetworkUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("update check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var release ReleaseInfo
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, errors.Wrap(err, "failed to decode release info")
	}
	return &release, nil
}

func (c *Client) lifecycleCall(ctx context.Context, path, key, hwid string) (*LicenseState, error) {
	payload, err := json.Marshal(clientRequest{Key: key, Hwid: hwid})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nova-agent")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("License server request failed")
		return nil, errors.Wrap(ErrNetworkUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	log.Trace().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("License server call")

	if resp.StatusCode == http.StatusOK {
		var state LicenseState
		if err := json.Unmarshal(body, &state); err != nil {
			return nil, errors.Wrap(err, "failed to decode license state")
		}
		return &state, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrKeyNotFound
	}

	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if mapped, ok := statusErrors[apiErr.Status]; ok {
			return nil, mapped
		}
		if apiErr.Error != "" {
			return nil, fmt.Errorf("license server error: %s", apiErr.Error)
		}
	}
	return nil, errors.Errorf("license server returned status %d", resp.StatusCode)
}
