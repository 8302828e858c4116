// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for chorus.
//
// Supports TOML configuration with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP listener address
//   - ProvidersConfig: Per-provider credentials and endpoints
//   - StoreConfig: Session store driver selection
//   - Watcher: Debounced live reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (GOOGLE_API_KEY, GROQ_API_KEY, LITELLM_*, CHORUS_*)
//   - ~/.chorus/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
//	key := cfg.Providers.Google.APIKey
package config
