// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Release describes the newest downloadable build of the desktop app.
type Release struct {
	Version       string `yaml:"version" json:"version"`
	DownloadURL   string `yaml:"download_url" json:"download_url"`
	Notes         string `yaml:"notes" json:"notes"`
	NoticeID      string `yaml:"notice_id,omitempty" json:"notice_id,omitempty"`
	NoticeMessage string `yaml:"notice_message,omitempty" json:"notice_message,omitempty"`
}

type releaseFeed struct {
	Latest Release `yaml:"latest"`
}

// ReleaseService serves the release feed backing client update checks. The
// feed is a small YAML file maintained next to the config, edited by release
// tooling or through TriggerNotice.
type ReleaseService struct {
	path string
	mu   sync.Mutex
}

func NewReleaseService(path string) *ReleaseService {
	return &ReleaseService{path: path}
}

// Latest returns the newest release entry. A missing or malformed feed file
// degrades to a placeholder instead of failing the endpoint.
func (s *ReleaseService) Latest() *Release {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *ReleaseService) read() *Release {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", s.path).Msg("Failed to read release feed")
		}
		return &Release{Version: "1.0.0", Notes: "No release file found."}
	}

	var feed releaseFeed
	if err := yaml.Unmarshal(data, &feed); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Malformed release feed")
		return &Release{Version: "1.0.0", Notes: "Invalid release payload."}
	}
	if feed.Latest.Version == "" {
		feed.Latest.Version = "1.0.0"
	}
	return &feed.Latest
}

// IsNewer reports whether the feed's latest version is strictly newer than
// the given current version.
func (s *ReleaseService) IsNewer(current string) (bool, error) {
	latest := s.Latest()

	latestVer, err := semver.NewVersion(latest.Version)
	if err != nil {
		return false, fmt.Errorf("invalid feed version %q: %w", latest.Version, err)
	}
	currentVer, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}

	return latestVer.GreaterThan(currentVer), nil
}

// TriggerNotice stamps the feed with a fresh notice id so clients pick up an
// update notification on their next check. An empty message keeps the
// previous one or falls back to a generated default.
func (s *ReleaseService) TriggerNotice(message string) (*Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.read()
	latest.NoticeID = time.Now().UTC().Format(time.RFC3339)

	if msg := strings.TrimSpace(message); msg != "" {
		latest.NoticeMessage = msg
	} else if latest.NoticeMessage == "" {
		latest.NoticeMessage = fmt.Sprintf("Update notification for version %s.", latest.Version)
	}

	data, err := yaml.Marshal(releaseFeed{Latest: *latest})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release feed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create feed directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write release feed: %w", err)
	}

	log.Info().Str("version", latest.Version).Str("noticeId", latest.NoticeID).Msg("Triggered update notice")
	return latest, nil
}
