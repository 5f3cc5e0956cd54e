// Package config loads orchestrator configuration from
// ~/.agentty/config.json, layered with an optional config.local.json
// override, following the same base-plus-local-override layering the
// teacher's settings package applies to .entire/settings.json and
// .entire/settings.local.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentty/agentty/internal/jsonutil"
)

const (
	// ConfigDirName is the per-user directory under $HOME holding the
	// database and configuration files (spec.md §6.3).
	ConfigDirName = ".agentty"

	// ConfigFileName is the base configuration file.
	ConfigFileName = "config.json"

	// ConfigLocalFileName is an uncommitted local override, merged over
	// the base file the same way settings.local.json overrides
	// settings.json in the teacher repo.
	ConfigLocalFileName = "config.local.json"

	// DefaultBasePath is where session worktrees live when no base path
	// is configured (spec.md §6.1).
	DefaultBasePath = "/var/tmp/.agentty"

	// BasePathEnvVar overrides the configured base path.
	BasePathEnvVar = "AGENTTY_BASE_PATH"

	// LogLevelEnvVar overrides the configured log level.
	LogLevelEnvVar = "AGENTTY_LOG_LEVEL"
)

// Config is the orchestrator's persistent configuration.
type Config struct {
	BasePath          string `json:"base_path,omitempty"`
	LogLevel          string `json:"log_level,omitempty"`
	DefaultModel      string `json:"default_model,omitempty"`
	DefaultReviewModel string `json:"default_review_model,omitempty"`
	TelemetryEnabled  *bool  `json:"telemetry_enabled,omitempty"`
}

func applyDefaults(c *Config) {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Dir returns the per-user agentty home directory (~/.agentty).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName), nil
}

// Load reads the base config file, then merges the local override file if
// present, then applies environment variable overrides and defaults.
// A missing base file is not an error — Load returns defaults.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	cfg, err := loadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	localData, err := os.ReadFile(filepath.Join(dir, ConfigLocalFileName)) //nolint:gosec // fixed path under config dir
	if err == nil {
		if err := json.Unmarshal(localData, cfg); err != nil {
			return nil, fmt.Errorf("parsing local config override: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading local config override: %w", err)
	}

	if v := os.Getenv(BasePathEnvVar); v != "" {
		cfg.BasePath = v
	}
	if v := os.Getenv(LogLevelEnvVar); v != "" {
		cfg.LogLevel = v
	}

	applyDefaults(cfg)
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path) //nolint:gosec // path constructed from fixed config dir
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes the config to ~/.agentty/config.json, creating the directory
// if needed.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := jsonutil.MarshalIndentWithNewline(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
