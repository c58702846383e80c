// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefaultConfig(t *testing.T) {
	tests := []struct {
		name            string
		existingFile    bool
		validateContent func(t *testing.T, content string)
	}{
		{
			name:         "create_new_config",
			existingFile: false,
			validateContent: func(t *testing.T, content string) {
				assert.Contains(t, content, "# config.toml")
				assert.Contains(t, content, "host =")
				assert.Contains(t, content, "port =")
				assert.Contains(t, content, "sessionSecret =")
				assert.Contains(t, content, "keyPepper =")
				assert.Contains(t, content, "hwidPepper =")
				assert.Contains(t, content, "logLevel =")
				assert.Contains(t, content, "[httpTimeouts]")
			},
		},
		{
			name:         "skip_existing_config",
			existingFile: true,
			validateContent: func(t *testing.T, content string) {
				assert.Equal(t, "existing content", content)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.toml")

			if tt.existingFile {
				err := os.WriteFile(configPath, []byte("existing content"), 0644)
				require.NoError(t, err)
			}

			err := WriteDefaultConfig(configPath)
			assert.NoError(t, err)

			content, err := os.ReadFile(configPath)
			require.NoError(t, err)
			tt.validateContent(t, string(content))
		})
	}
}

func TestWriteDefaultConfigUniqueSecrets(t *testing.T) {
	tmpDir := t.TempDir()

	pathA := filepath.Join(tmpDir, "a.toml")
	pathB := filepath.Join(tmpDir, "b.toml")
	require.NoError(t, WriteDefaultConfig(pathA))
	require.NoError(t, WriteDefaultConfig(pathB))

	contentA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	contentB, err := os.ReadFile(pathB)
	require.NoError(t, err)

	secret := func(content, key string) string {
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(line, key+" = ") {
				return line
			}
		}
		return ""
	}

	for _, key := range []string{"sessionSecret", "keyPepper", "hwidPepper"} {
		a := secret(string(contentA), key)
		b := secret(string(contentB), key)
		assert.NotEmpty(t, a)
		assert.NotEqual(t, a, b, "generated %s should differ between configs", key)
	}
}

func TestGetDefaultConfigDir(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		envVars     map[string]string
		expectedDir string
	}{
		{
			name:        "linux_default",
			goos:        "linux",
			envVars:     map[string]string{},
			expectedDir: ".config/novahub",
		},
		{
			name:        "macos_default",
			goos:        "darwin",
			envVars:     map[string]string{},
			expectedDir: ".config/novahub",
		},
		{
			name:        "xdg_config_home_set",
			goos:        "linux",
			envVars:     map[string]string{"XDG_CONFIG_HOME": "/custom/config"},
			expectedDir: "/custom/config/novahub",
		},
		{
			name:        "docker_config_path",
			goos:        "linux",
			envVars:     map[string]string{"XDG_CONFIG_HOME": "/config"},
			expectedDir: "/config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnvVars := make(map[string]string)
			for key := range tt.envVars {
				oldEnvVars[key] = os.Getenv(key)
				os.Setenv(key, tt.envVars[key])
			}
			if _, ok := tt.envVars["XDG_CONFIG_HOME"]; !ok {
				oldEnvVars["XDG_CONFIG_HOME"] = os.Getenv("XDG_CONFIG_HOME")
				os.Unsetenv("XDG_CONFIG_HOME")
			}
			defer func() {
				for key, val := range oldEnvVars {
					if val == "" {
						os.Unsetenv(key)
					} else {
						os.Setenv(key, val)
					}
				}
			}()

			if tt.goos != runtime.GOOS {
				t.Skip("Skipping test for different OS")
			}

			dir := GetDefaultConfigDir()
			if strings.Contains(tt.expectedDir, ".config") {
				assert.Contains(t, dir, tt.expectedDir)
			} else {
				assert.Equal(t, tt.expectedDir, dir)
			}
		})
	}
}

func TestConfigGenerationIntegration(t *testing.T) {
	t.Run("generate_config_in_custom_directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		configDir := filepath.Join(tmpDir, "custom", "config")

		_, err := os.Stat(configDir)
		assert.True(t, os.IsNotExist(err))

		configPath := filepath.Join(configDir, "config.toml")
		err = WriteDefaultConfig(configPath)
		assert.NoError(t, err)

		info, err := os.Stat(configPath)
		require.NoError(t, err)
		assert.False(t, info.IsDir())
	})

	t.Run("prevent_overwrite_existing_config", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		existingContent := "# Important existing config\nhost = \"production\""
		err := os.WriteFile(configPath, []byte(existingContent), 0644)
		require.NoError(t, err)

		err = WriteDefaultConfig(configPath)
		assert.NoError(t, err)

		content, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Equal(t, existingContent, string(content))
	})
}
