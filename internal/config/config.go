// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chorus configuration.
type Config struct {
	// General settings
	Version string `toml:"version" json:"version"`

	// HTTP server configuration
	Server ServerConfig `toml:"server" json:"server"`

	// Provider credentials and endpoints
	Providers ProvidersConfig `toml:"providers" json:"providers"`

	// Session store configuration
	Store StoreConfig `toml:"store" json:"store"`

	// Usage accounting configuration
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry"`

	// Generation defaults applied when a selection leaves them unset
	Defaults DefaultsConfig `toml:"defaults" json:"defaults"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address. Defaults to loopback; widen deliberately.
	Host string `toml:"host" json:"host"`
	// Port is the listen port
	Port int `toml:"port" json:"port"`
	// RateLimit is the sustained requests per second allowed per client
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	// RateBurst is the short-term burst allowance per client
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
	// AllowedOrigins lists CORS origins. Empty keeps the built-in
	// localhost allowlist.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// ProvidersConfig contains per-provider credentials and endpoints.
type ProvidersConfig struct {
	Google  GoogleConfig  `toml:"google" json:"google"`
	Groq    GroqConfig    `toml:"groq" json:"groq"`
	LiteLLM LiteLLMConfig `toml:"litellm" json:"litellm"`
}

// GoogleConfig contains Gemini API configuration.
type GoogleConfig struct {
	// APIKey is the Gemini API key. Empty disables generation but not
	// catalog listing.
	APIKey string `toml:"api_key" json:"api_key"`
	// BaseURL overrides the API endpoint. Empty uses the production
	// endpoint.
	BaseURL string `toml:"base_url" json:"base_url"`
}

// GroqConfig contains Groq API configuration.
type GroqConfig struct {
	// APIKey is the Groq API key
	APIKey string `toml:"api_key" json:"api_key"`
	// BaseURL overrides the API endpoint. Empty uses the production
	// endpoint.
	BaseURL string `toml:"base_url" json:"base_url"`
}

// LiteLLMConfig contains LiteLLM gateway configuration.
type LiteLLMConfig struct {
	// BaseURL is the gateway address
	BaseURL string `toml:"base_url" json:"base_url"`
	// MasterKey authenticates against the gateway
	MasterKey string `toml:"master_key" json:"master_key"`
}

// StoreConfig contains session store configuration.
type StoreConfig struct {
	// Type selects the driver: "memory" or "redis"
	Type string `toml:"type" json:"type"`
	// RedisAddr is the host:port of the Redis server
	RedisAddr string `toml:"redis_addr" json:"redis_addr"`
	// RedisPassword authenticates against Redis (empty = no auth)
	RedisPassword string `toml:"redis_password" json:"redis_password"`
	// RedisDB selects the Redis logical database
	RedisDB int `toml:"redis_db" json:"redis_db"`
	// TTLHours is the sliding session expiry in hours
	TTLHours int `toml:"ttl_hours" json:"ttl_hours"`
}

// TelemetryConfig contains usage accounting configuration.
type TelemetryConfig struct {
	// Enabled controls whether usage rows are recorded
	Enabled bool `toml:"enabled" json:"enabled"`
	// DatabasePath is where to store the SQLite usage database
	DatabasePath string `toml:"database_path" json:"database_path"`
}

// DefaultsConfig contains generation parameter defaults.
type DefaultsConfig struct {
	// Temperature is the default sampling temperature
	Temperature float64 `toml:"temperature" json:"temperature"`
	// MaxTokens is the default response token budget
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			RateLimit: 100,
			RateBurst: 200,
		},

		Providers: ProvidersConfig{
			Google: GoogleConfig{APIKey: ""},
			Groq:   GroqConfig{APIKey: ""},
			LiteLLM: LiteLLMConfig{
				BaseURL:   "http://localhost:8000",
				MasterKey: "sk-1234",
			},
		},

		Store: StoreConfig{
			Type:      "memory",
			RedisAddr: "localhost:6379",
			TTLHours:  24,
		},

		Telemetry: TelemetryConfig{
			Enabled:      true,
			DatabasePath: defaultTelemetryPath(),
		},

		Defaults: DefaultsConfig{
			Temperature: 0.7,
			MaxTokens:   1000,
		},
	}
}

// defaultTelemetryPath resolves the usage database location, falling back
// to the working directory when the home directory is unknown.
func defaultTelemetryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chorus-usage.db"
	}
	return filepath.Join(home, ".chorus", "usage.db")
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chorus configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chorus"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// built-in defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Return the config with any load error for informational purposes.
	return cfg, loadErr
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Ensure permissions are correct even if the file already existed.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# chorus configuration file")
	fmt.Fprintln(file, "# Generated by chorus - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RateLimit <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit",
			Message: fmt.Sprintf("must be positive, got %v", c.Server.RateLimit),
		})
	}
	if c.Server.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_burst",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Server.RateBurst),
		})
	}

	validStores := map[string]bool{"memory": true, "redis": true}
	if !validStores[strings.ToLower(c.Store.Type)] {
		errs = append(errs, ValidationError{
			Field:   "store.type",
			Message: fmt.Sprintf("invalid type '%s', must be one of: memory, redis", c.Store.Type),
		})
	}
	if strings.ToLower(c.Store.Type) == "redis" && c.Store.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "store.redis_addr",
			Message: "required when store.type is redis",
		})
	}
	if c.Store.TTLHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "store.ttl_hours",
			Message: "must be non-negative",
		})
	}

	if c.Providers.Google.BaseURL != "" {
		if _, err := url.Parse(c.Providers.Google.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "providers.google.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Providers.Groq.BaseURL != "" {
		if _, err := url.Parse(c.Providers.Groq.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "providers.groq.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}
	if c.Providers.LiteLLM.BaseURL != "" {
		if _, err := url.Parse(c.Providers.LiteLLM.BaseURL); err != nil {
			errs = append(errs, ValidationError{
				Field:   "providers.litellm.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	if c.Defaults.Temperature < 0 || c.Defaults.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "defaults.temperature",
			Message: fmt.Sprintf("must be 0.0-2.0, got %v", c.Defaults.Temperature),
		})
	}
	if c.Defaults.MaxTokens < 1 || c.Defaults.MaxTokens > 100000 {
		errs = append(errs, ValidationError{
			Field:   "defaults.max_tokens",
			Message: fmt.Sprintf("must be 1-100000, got %d", c.Defaults.MaxTokens),
		})
	}

	if c.Telemetry.Enabled && c.Telemetry.DatabasePath == "" {
		errs = append(errs, ValidationError{
			Field:   "telemetry.database_path",
			Message: "required when telemetry is enabled",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value
// configuration fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = defaults.Server.RateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaults.Server.RateBurst
	}

	if c.Providers.LiteLLM.BaseURL == "" {
		c.Providers.LiteLLM.BaseURL = defaults.Providers.LiteLLM.BaseURL
	}
	if c.Providers.LiteLLM.MasterKey == "" {
		c.Providers.LiteLLM.MasterKey = defaults.Providers.LiteLLM.MasterKey
	}

	if c.Store.Type == "" {
		c.Store.Type = defaults.Store.Type
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = defaults.Store.RedisAddr
	}
	if c.Store.TTLHours == 0 {
		c.Store.TTLHours = defaults.Store.TTLHours
	}

	if c.Telemetry.DatabasePath == "" {
		c.Telemetry.DatabasePath = defaults.Telemetry.DatabasePath
	}

	if c.Defaults.Temperature == 0 {
		c.Defaults.Temperature = defaults.Defaults.Temperature
	}
	if c.Defaults.MaxTokens == 0 {
		c.Defaults.MaxTokens = defaults.Defaults.MaxTokens
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - GOOGLE_API_KEY: overrides providers.google.api_key
//   - GROQ_API_KEY: overrides providers.groq.api_key
//   - LITELLM_BASE_URL: overrides providers.litellm.base_url
//   - LITELLM_MASTER_KEY: overrides providers.litellm.master_key
//   - CHORUS_HOST: overrides server.host
//   - CHORUS_PORT: overrides server.port
//   - CHORUS_STORE: overrides store.type
//   - CHORUS_REDIS_ADDR: overrides store.redis_addr
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Providers.Google.APIKey = key
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		c.Providers.Groq.APIKey = key
	}
	if base := os.Getenv("LITELLM_BASE_URL"); base != "" {
		c.Providers.LiteLLM.BaseURL = base
	}
	if key := os.Getenv("LITELLM_MASTER_KEY"); key != "" {
		c.Providers.LiteLLM.MasterKey = key
	}
	if host := os.Getenv("CHORUS_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("CHORUS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if storeType := os.Getenv("CHORUS_STORE"); storeType != "" {
		c.Store.Type = storeType
	}
	if addr := os.Getenv("CHORUS_REDIS_ADDR"); addr != "" {
		c.Store.RedisAddr = addr
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts API keys to prevent accidental exposure in logs.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Providers.Google.APIKey != "" {
		safe.Providers.Google.APIKey = "[REDACTED]"
	}
	if safe.Providers.Groq.APIKey != "" {
		safe.Providers.Groq.APIKey = "[REDACTED]"
	}
	if safe.Providers.LiteLLM.MasterKey != "" {
		safe.Providers.LiteLLM.MasterKey = "[REDACTED]"
	}
	if safe.Store.RedisPassword != "" {
		safe.Store.RedisPassword = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
