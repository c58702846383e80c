// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/nova-desktop/novahub/internal/auth"
)

const envPrefix = "NOVAHUB__"

// HTTPTimeouts configures the HTTP server timeouts in seconds
type HTTPTimeouts struct {
	ReadTimeout  int `mapstructure:"readTimeout"`
	WriteTimeout int `mapstructure:"writeTimeout"`
	IdleTimeout  int `mapstructure:"idleTimeout"`
}

type Config struct {
	Host             string       `mapstructure:"host"`
	Port             int          `mapstructure:"port"`
	BaseURL          string       `mapstructure:"baseUrl"`
	SessionSecret    string       `mapstructure:"sessionSecret"`
	KeyPepper        string       `mapstructure:"keyPepper"`
	HwidPepper       string       `mapstructure:"hwidPepper"`
	LogLevel         string       `mapstructure:"logLevel"`
	LogPath          string       `mapstructure:"logPath"`
	DataDir          string       `mapstructure:"dataDir"`
	ReleasesPath     string       `mapstructure:"releasesPath"`
	TempLicenseHours int          `mapstructure:"tempLicenseHours"`
	MetricsEnabled   bool         `mapstructure:"metricsEnabled"`
	PprofEnabled     bool         `mapstructure:"pprofEnabled"`
	HTTPTimeouts     HTTPTimeouts `mapstructure:"httpTimeouts"`
}

type AppConfig struct {
	Config     *Config
	viper      *viper.Viper
	configPath string
}

// New loads configuration from the given directory or file path, creating a
// default config file on first run. An empty path uses the OS default.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &Config{},
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.ensureSecrets(); err != nil {
		return nil, err
	}

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7410)
	c.viper.SetDefault("baseUrl", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("tempLicenseHours", 6)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	switch {
	case configPath == "":
		configPath = filepath.Join(GetDefaultConfigDir(), "config.toml")
	case strings.HasSuffix(strings.ToLower(configPath), ".toml"):
		// direct file path, keep as-is
	default:
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			// existing file without .toml suffix, keep as-is
		} else {
			configPath = filepath.Join(configPath, "config.toml")
		}
	}

	c.configPath = configPath

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		log.Info().Str("path", configPath).Msg("Created default configuration file")
	}

	c.viper.SetConfigFile(configPath)
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment overrides: NOVAHUB__HOST, NOVAHUB__DATA_DIR, ...
	for _, key := range []string{
		"host", "port", "baseUrl", "sessionSecret", "keyPepper", "hwidPepper",
		"logLevel", "logPath", "dataDir", "releasesPath", "tempLicenseHours",
		"metricsEnabled", "pprofEnabled",
	} {
		envKey := envPrefix + toEnvName(key)
		if value, ok := os.LookupEnv(envKey); ok {
			c.viper.Set(key, value)
		}
	}

	if err := c.unmarshal(); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// unmarshal decodes weakly typed so env var strings can fill int and bool fields.
func (c *AppConfig) unmarshal() error {
	return c.viper.Unmarshal(c.Config, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
}

// ensureSecrets fills in generated secrets on first run and persists them so
// sessions and hashes survive restarts.
func (c *AppConfig) ensureSecrets() error {
	changed := false

	if c.Config.SessionSecret == "" {
		c.Config.SessionSecret = auth.GenerateSecureToken(32)
		c.viper.Set("sessionSecret", c.Config.SessionSecret)
		changed = true
	}
	if c.Config.KeyPepper == "" {
		c.Config.KeyPepper = auth.GenerateSecureToken(32)
		c.viper.Set("keyPepper", c.Config.KeyPepper)
		changed = true
	}
	if c.Config.HwidPepper == "" {
		c.Config.HwidPepper = auth.GenerateSecureToken(32)
		c.viper.Set("hwidPepper", c.Config.HwidPepper)
		changed = true
	}

	if changed {
		if err := c.viper.WriteConfigAs(c.configPath); err != nil {
			return fmt.Errorf("failed to persist generated secrets: %w", err)
		}
		log.Info().Msg("Generated missing secrets and persisted them to config")
	}

	return nil
}

func (c *AppConfig) watchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Str("file", e.Name).Msg("Config file changed, reloading")

		if err := c.unmarshal(); err != nil {
			log.Error().Err(err).Msg("Failed to reload config")
			return
		}

		c.ApplyLogConfig()
	})
	c.viper.WatchConfig()
}

// ApplyLogConfig sets the global zerolog level and output from config.
func (c *AppConfig) ApplyLogConfig() {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Config.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		file, err := os.OpenFile(c.Config.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, keeping stderr")
			return
		}
		log.Logger = log.Output(file)
	}
}

// SetDataDir overrides the data directory (CLI flag takes precedence).
func (c *AppConfig) SetDataDir(dataDir string) {
	c.Config.DataDir = dataDir
}

// GetDatabasePath returns the sqlite database location: the configured data
// directory, or next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DataDir != "" {
		return filepath.Join(c.Config.DataDir, "novahub.db")
	}
	return filepath.Join(filepath.Dir(c.configPath), "novahub.db")
}

// GetReleasesPath returns the release feed file location.
func (c *AppConfig) GetReleasesPath() string {
	if c.Config.ReleasesPath != "" {
		return c.Config.ReleasesPath
	}
	return filepath.Join(filepath.Dir(c.configPath), "releases.yaml")
}

// GetDefaultConfigDir returns the OS-specific config directory.
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "novahub")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		// Containers commonly mount the config volume at /config directly
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "novahub")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "novahub")
}

func toEnvName(key string) string {
	var sb strings.Builder
	for _, r := range key {
		if r >= 'A' && r <= 'Z' {
			sb.WriteByte('_')
		}
		sb.WriteRune(r)
	}
	return strings.ToUpper(sb.String())
}
