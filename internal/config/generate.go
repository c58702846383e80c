// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nova-desktop/novahub/internal/auth"
)

const configTemplate = `# config.toml - Nova licensing hub

# Hostname / IP for the server to listen on
host = "%s"

# Port for the server to listen on
port = %d

# Base URL when serving behind a reverse proxy subfolder (e.g. "/novahub/")
#baseUrl = "/novahub/"

# Session secret for cookie auth (generated on first run)
sessionSecret = "%s"

# Peppers for license key and hardware ID hashing (generated on first run).
# Changing these invalidates every stored hash.
keyPepper = "%s"
hwidPepper = "%s"

# Log level: ERROR, DEBUG, INFO, WARN, TRACE
logLevel = "INFO"

# Log file path. Leave empty to log to stderr only.
#logPath = "novahub.log"

# Data directory for the sqlite database. Defaults to the config directory.
#dataDir = ""

# Path to the release feed consumed by update checks.
#releasesPath = "releases.yaml"

# Lifetime in hours of temporary keys issued to lapsed supporters
tempLicenseHours = 6

# Expose Prometheus metrics on /metrics (requires API key auth)
metricsEnabled = false

# Expose pprof endpoints on /debug/pprof (localhost only)
pprofEnabled = false

[httpTimeouts]
readTimeout = 60
writeTimeout = 120
idleTimeout = 180
`

// WriteDefaultConfig writes the default config template to the given path.
// It does nothing when a file already exists there.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(configTemplate,
		"localhost",
		7410,
		auth.GenerateSecureToken(32),
		auth.GenerateSecureToken(32),
		auth.GenerateSecureToken(32),
	)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
