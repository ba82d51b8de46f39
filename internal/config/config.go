// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/strideloop/stride-core/internal/model"
	"github.com/strideloop/stride-core/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete stride configuration.
type Config struct {
	Version string `toml:"version"`

	// Backend configuration
	Backend BackendConfig `toml:"backend"`

	// Chat behavior
	Chat ChatConfig `toml:"chat"`

	// Local cache configuration
	Cache CacheConfig `toml:"cache"`

	// User identity
	User UserConfig `toml:"user"`
}

// BackendConfig contains the coaching backend connection settings.
type BackendConfig struct {
	// BaseURL is the coaching service endpoint.
	BaseURL string `toml:"base_url"`
	// AuthToken is the bearer token; empty runs anonymously.
	AuthToken string `toml:"auth_token"`
	// TimeoutSecs is the per-request timeout for non-streaming calls.
	TimeoutSecs int `toml:"timeout_secs"`
	// MaxRetries is the retry count for transient failures.
	MaxRetries int `toml:"max_retries"`
}

// ChatConfig contains chat and streaming behavior settings.
type ChatConfig struct {
	// DefaultMode is the suggestion mode new conversations start in:
	// "task" or "habit".
	DefaultMode string `toml:"default_mode"`
	// StallTimeoutSecs is how long a stream may go without a chunk before
	// it is failed. 0 disables stall detection.
	StallTimeoutSecs int `toml:"stall_timeout_secs"`
	// RevealStep is how many characters each animation frame reveals.
	RevealStep int `toml:"reveal_step"`
	// RevealFPS caps the reveal animation frame rate (1-60).
	RevealFPS int `toml:"reveal_fps"`
}

// CacheConfig contains local conversation cache settings.
type CacheConfig struct {
	// Enabled controls whether the on-disk cache is used at all.
	Enabled bool `toml:"enabled"`
	// Path is the SQLite database location (empty = ~/.stride/cache.db).
	Path string `toml:"path"`
}

// UserConfig contains the local user identity.
type UserConfig struct {
	// ID identifies the user to the backend and partitions the cache.
	// Empty means anonymous.
	ID string `toml:"id"`
	// DisplayName is shown in exports.
	DisplayName string `toml:"display_name"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Backend: BackendConfig{
			BaseURL:     "https://api.strideloop.dev/v1",
			TimeoutSecs: 30,
			MaxRetries:  3,
		},

		Chat: ChatConfig{
			DefaultMode:      model.ModeTask.String(),
			StallTimeoutSecs: 90,
			RevealStep:       3,
			RevealFPS:        30,
		},

		Cache: CacheConfig{
			Enabled: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the stride configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".stride"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultCachePath returns the default cache database location.
func DefaultCachePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// ensureSecurePermissions tightens config file permissions to 0600. The
// file carries the auth token.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when it does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if c.Backend.TimeoutSecs <= 0 {
		c.Backend.TimeoutSecs = defaults.Backend.TimeoutSecs
	}
	if c.Backend.MaxRetries < 0 {
		c.Backend.MaxRetries = defaults.Backend.MaxRetries
	}
	if c.Chat.DefaultMode == "" {
		c.Chat.DefaultMode = defaults.Chat.DefaultMode
	}
	if c.Chat.RevealStep <= 0 {
		c.Chat.RevealStep = defaults.Chat.RevealStep
	}
	if c.Chat.RevealFPS <= 0 {
		c.Chat.RevealFPS = defaults.Chat.RevealFPS
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies STRIDE_* environment variables on top of the
// loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STRIDE_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("STRIDE_AUTH_TOKEN"); v != "" {
		c.Backend.AuthToken = v
	}
	if v := os.Getenv("STRIDE_USER_ID"); v != "" {
		c.User.ID = v
	}
	if v := os.Getenv("STRIDE_MODE"); v != "" {
		c.Chat.DefaultMode = v
	}
	if v := os.Getenv("STRIDE_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("STRIDE_CACHE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Cache.Enabled = enabled
		}
	}
	if v := os.Getenv("STRIDE_STALL_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			c.Chat.StallTimeoutSecs = secs
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Backend.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("invalid URL '%s'", c.Backend.BaseURL),
		})
	}

	if c.Backend.TimeoutSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backend.timeout_secs",
			Message: "must be positive",
		})
	}
	if c.Backend.MaxRetries < 0 || c.Backend.MaxRetries > 10 {
		errs = append(errs, ValidationError{
			Field:   "backend.max_retries",
			Message: fmt.Sprintf("must be between 0 and 10, got %d", c.Backend.MaxRetries),
		})
	}

	if !model.Mode(c.Chat.DefaultMode).Valid() {
		errs = append(errs, ValidationError{
			Field:   "chat.default_mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: task, habit", c.Chat.DefaultMode),
		})
	}
	if c.Chat.StallTimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.stall_timeout_secs",
			Message: "must not be negative",
		})
	}
	if c.Chat.RevealFPS < 1 || c.Chat.RevealFPS > 60 {
		errs = append(errs, ValidationError{
			Field:   "chat.reveal_fps",
			Message: fmt.Sprintf("must be between 1 and 60, got %d", c.Chat.RevealFPS),
		})
	}
	if c.Chat.RevealStep < 1 {
		errs = append(errs, ValidationError{
			Field:   "chat.reveal_step",
			Message: "must be at least 1",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to path atomically with 0600 permissions
// (the file carries the auth token).
func SaveTo(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# stride configuration file")
	fmt.Fprintln(&buf, "# Generated by stride - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED ACCESSORS
// =============================================================================

// DefaultMode returns the configured default chat mode.
func (c *Config) DefaultMode() model.Mode {
	return model.Mode(c.Chat.DefaultMode)
}

// CachePath resolves the cache database location, applying the default when
// unset.
func (c *Config) CachePath() (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	return DefaultCachePath()
}
