// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/nova-desktop/novahub/internal/services"
)

type ReleasesHandler struct {
	releaseService *services.ReleaseService
}

func NewReleasesHandler(releaseService *services.ReleaseService) *ReleasesHandler {
	return &ReleasesHandler{
		releaseService: releaseService,
	}
}

// Latest serves the newest release entry. When the client passes its current
// version the response carries an is_newer flag.
func (h *ReleasesHandler) Latest(w http.ResponseWriter, r *http.Request) {
	latest := h.releaseService.Latest()

	current := r.URL.Query().Get("current")
	if current == "" {
		RespondJSON(w, http.StatusOK, latest)
		return
	}

	newer, err := h.releaseService.IsNewer(current)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid version string")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"version":        latest.Version,
		"download_url":   latest.DownloadURL,
		"notes":          latest.Notes,
		"notice_id":      latest.NoticeID,
		"notice_message": latest.NoticeMessage,
		"is_newer":       newer,
	})
}

type NoticeRequest struct {
	Message string `json:"message"`
}

// TriggerNotice stamps the feed so clients surface an update prompt
func (h *ReleasesHandler) TriggerNotice(w http.ResponseWriter, r *http.Request) {
	var req NoticeRequest
	if r.Body != nil {
		// Body is optional; an empty message falls back to a default
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	latest, err := h.releaseService.TriggerNotice(req.Message)
	if err != nil {
		log.Error().Err(err).Msg("Failed to trigger update notice")
		RespondError(w, http.StatusInternalServerError, "Failed to trigger update notice")
		return
	}

	RespondJSON(w, http.StatusOK, latest)
}
