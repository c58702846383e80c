// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/nova-desktop/novahub/internal/keys"
	"github.com/nova-desktop/novahub/internal/models"
	"github.com/nova-desktop/novahub/internal/services"
)

type LicensesHandler struct {
	licenseService *services.LicenseService
}

func NewLicensesHandler(licenseService *services.LicenseService) *LicensesHandler {
	return &LicensesHandler{
		licenseService: licenseService,
	}
}

// ClientRequest is the payload clients send for activation and validation.
type ClientRequest struct {
	Key  string `json:"key"`
	Hwid string `json:"hwid"`
}

type GenerateRequest struct {
	Duration      string  `json:"duration"`
	Notes         *string `json:"notes,omitempty"`
	PatreonUserID *string `json:"patreon_user_id,omitempty"`
}

type ExtendRequest struct {
	Duration string `json:"duration"`
}

// Activate binds a license key to the calling device. Public endpoint.
func (h *LicensesHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeClientRequest(w, r)
	if !ok {
		return
	}

	result, err := h.licenseService.Activate(r.Context(), req.Key, req.Hwid)
	if err != nil {
		h.respondLifecycleError(w, req.Key, "activate", err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// Validate checks a license key against the calling device. Public endpoint.
func (h *LicensesHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeClientRequest(w, r)
	if !ok {
		return
	}

	result, err := h.licenseService.Validate(r.Context(), req.Key, req.Hwid)
	if err != nil {
		h.respondLifecycleError(w, req.Key, "validate", err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *LicensesHandler) decodeClientRequest(w http.ResponseWriter, r *http.Request) (*ClientRequest, bool) {
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.Key == "" || req.Hwid == "" {
		RespondError(w, http.StatusBadRequest, "Key and hwid are required")
		return nil, false
	}
	return &req, true
}

// respondLifecycleError maps the lifecycle error taxonomy to HTTP statuses.
// Terminal states carry a status field so clients can distinguish them from
// transport failures.
func (h *LicensesHandler) respondLifecycleError(w http.ResponseWriter, key, operation string, err error) {
	masked := keys.Mask(keys.Normalize(key))

	switch {
	case errors.Is(err, services.ErrKeyNotFound):
		RespondError(w, http.StatusNotFound, "License key not found")
	case errors.Is(err, services.ErrAlreadyActivated):
		RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":  "License key already activated on another device",
			"status": "already_activated",
		})
	case errors.Is(err, services.ErrHwidMismatch):
		RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":  "Hardware id does not match the activated device",
			"status": "hwid_mismatch",
		})
	case errors.Is(err, services.ErrExpired):
		RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":  "License key expired",
			"status": "expired",
		})
	case errors.Is(err, services.ErrRevoked):
		RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":  "License key revoked",
			"status": "revoked",
		})
	case errors.Is(err, services.ErrNotActivated):
		RespondJSON(w, http.StatusForbidden, map[string]string{
			"error":  "License key not activated",
			"status": "not_activated",
		})
	default:
		log.Error().Err(err).Str("key", masked).Str("operation", operation).Msg("License operation failed")
		RespondError(w, http.StatusInternalServerError, "License operation failed")
		return
	}

	log.Debug().Err(err).Str("key", masked).Str("operation", operation).Msg("License operation rejected")
}

// Generate creates a new license key. Admin endpoint; the plaintext key is
// returned once.
func (h *LicensesHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Duration == "" {
		RespondError(w, http.StatusBadRequest, "Duration is required")
		return
	}

	lk, fullKey, err := h.licenseService.Generate(r.Context(), req.Duration, req.Notes, req.PatreonUserID)
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedDuration) {
			RespondError(w, http.StatusBadRequest, "Unsupported duration")
			return
		}
		log.Error().Err(err).Msg("Failed to generate license key")
		RespondError(w, http.StatusInternalServerError, "Failed to generate license key")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"license": lk,
		"key":     fullKey, // Only shown once
		"message": "Save this key securely - it will not be shown in full again",
	})
}

// List returns license records, optionally fuzzy-filtered by ?search=
func (h *LicensesHandler) List(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")

	licenses, err := h.licenseService.Search(r.Context(), search)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list license keys")
		RespondError(w, http.StatusInternalServerError, "Failed to list license keys")
		return
	}
	if licenses == nil {
		licenses = []*models.LicenseKey{}
	}

	RespondJSON(w, http.StatusOK, licenses)
}

// Get returns a single license record
func (h *LicensesHandler) Get(w http.ResponseWriter, r *http.Request) {
	lk, err := h.licenseService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, services.ErrKeyNotFound) {
			RespondError(w, http.StatusNotFound, "License key not found")
			return
		}
		log.Error().Err(err).Msg("Failed to get license key")
		RespondError(w, http.StatusInternalServerError, "Failed to get license key")
		return
	}

	RespondJSON(w, http.StatusOK, lk)
}

// Extend pushes a key's expiry out
func (h *LicensesHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Duration == "" {
		RespondError(w, http.StatusBadRequest, "Duration is required")
		return
	}

	lk, err := h.licenseService.Extend(r.Context(), chi.URLParam(r, "id"), req.Duration)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrKeyNotFound):
			RespondError(w, http.StatusNotFound, "License key not found")
		case errors.Is(err, services.ErrUnsupportedDuration):
			RespondError(w, http.StatusBadRequest, "Unsupported duration")
		default:
			log.Error().Err(err).Msg("Failed to extend license key")
			RespondError(w, http.StatusInternalServerError, "Failed to extend license key")
		}
		return
	}

	RespondJSON(w, http.StatusOK, lk)
}

// Revoke disables a key
func (h *LicensesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	lk, err := h.licenseService.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, services.ErrKeyNotFound) {
			RespondError(w, http.StatusNotFound, "License key not found")
			return
		}
		log.Error().Err(err).Msg("Failed to revoke license key")
		RespondError(w, http.StatusInternalServerError, "Failed to revoke license key")
		return
	}

	RespondJSON(w, http.StatusOK, lk)
}

// Reactivate returns a revoked key to circulation, unbound
func (h *LicensesHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	lk, err := h.licenseService.Reactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, services.ErrKeyNotFound) {
			RespondError(w, http.StatusNotFound, "License key not found")
			return
		}
		log.Error().Err(err).Msg("Failed to reactivate license key")
		RespondError(w, http.StatusInternalServerError, "Failed to reactivate license key")
		return
	}

	RespondJSON(w, http.StatusOK, lk)
}

// Delete removes a key record entirely
func (h *LicensesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.licenseService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, services.ErrKeyNotFound) {
			RespondError(w, http.StatusNotFound, "License key not found")
			return
		}
		log.Error().Err(err).Msg("Failed to delete license key")
		RespondError(w, http.StatusInternalServerError, "Failed to delete license key")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "License key deleted",
	})
}

// Reveal returns the plaintext key once, then clears it
func (h *LicensesHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	fullKey, err := h.licenseService.Reveal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrKeyNotFound):
			RespondError(w, http.StatusNotFound, "License key not found")
		case errors.Is(err, services.ErrKeyRevealed):
			RespondError(w, http.StatusConflict, "License key plaintext already cleared")
		default:
			log.Error().Err(err).Msg("Failed to reveal license key")
			RespondError(w, http.StatusInternalServerError, "Failed to reveal license key")
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"key":     fullKey,
		"message": "The plaintext has now been cleared and cannot be shown again",
	})
}
