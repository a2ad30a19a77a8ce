// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// ollama-chat.
//
// Configuration is TOML (JSON is accepted when the file ends in .json) with
// sensible defaults, environment variable overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Command-line flags (applied by the caller)
//   - Environment variables (OLLAMA_CHAT_*, OLLAMA_HOST, OPENROUTER_API_KEY)
//   - ~/.ollama-chat/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	model := cfg.ActiveModel()
//
// There is no global configuration. Long-running commands that want hot
// reload call Watch and apply the new *Config themselves.
package config
