// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ollama-chat configuration.
type Config struct {
	// Provider selects the active backend
	Provider ProviderConfig `toml:"provider" json:"provider"`

	// Local (Ollama) backend
	Local LocalConfig `toml:"local" json:"local"`

	// Cloud (OpenAI-compatible) backend
	Cloud CloudConfig `toml:"cloud" json:"cloud"`

	// Generation parameters sent with every request
	Generation GenerationConfig `toml:"generation" json:"generation"`

	// Local HTTP bridge
	Server ServerConfig `toml:"server" json:"server"`

	Log     LogConfig     `toml:"log" json:"log"`
	History HistoryConfig `toml:"history" json:"history"`
	UI      UIConfig      `toml:"ui" json:"ui"`
}

// ProviderConfig selects which backend answers chat requests.
type ProviderConfig struct {
	// Kind is "local" or "cloud"
	Kind string `toml:"kind" json:"kind"`
	// SystemPrompt is prepended to every conversation when set
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
}

// LocalConfig contains local Ollama configuration.
type LocalConfig struct {
	URL   string `toml:"url" json:"url"`
	Model string `toml:"model" json:"model"`
	// AutoStart runs `ollama serve` when the server is not reachable
	AutoStart bool `toml:"auto_start" json:"auto_start"`
}

// CloudConfig contains cloud provider configuration.
type CloudConfig struct {
	BaseURL string `toml:"base_url" json:"base_url"`
	APIKey  string `toml:"api_key" json:"api_key"`
	Model   string `toml:"model" json:"model"`
}

// GenerationConfig holds request parameters.
type GenerationConfig struct {
	Temperature float64 `toml:"temperature" json:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`
	// TimeoutSecs bounds a whole request, streaming included
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	MaxRetries  int `toml:"max_retries" json:"max_retries"`
}

// Timeout returns TimeoutSecs as a duration.
func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// ServerConfig configures `ollama-chat serve`.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`
	// RateLimit is the sustained requests per second allowed per client
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst"`
	// AllowedOrigins for CORS and websocket origin checks
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `toml:"level" json:"level"`
	// Format is json or console
	Format string `toml:"format" json:"format"`
	// File receives logs for interactive commands; empty means
	// <config dir>/ollama-chat.log
	File string `toml:"file" json:"file"`
}

// HistoryConfig configures the transcript store.
type HistoryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path to the sqlite database; empty means <config dir>/history.db
	Path string `toml:"path" json:"path"`
}

// UIConfig contains terminal rendering options.
type UIConfig struct {
	// Markdown renders finished answers with glamour
	Markdown bool `toml:"markdown" json:"markdown"`
	// Theme is auto, dark or light
	Theme string `toml:"theme" json:"theme"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Kind: "local"},
		Local: LocalConfig{
			URL:       "http://127.0.0.1:11434",
			Model:     "llama3.2",
			AutoStart: true,
		},
		Cloud: CloudConfig{
			BaseURL: "https://openrouter.ai/api",
			Model:   "openai/gpt-4o-mini",
		},
		Generation: GenerationConfig{
			Temperature: 0.7,
			MaxTokens:   2048,
			TimeoutSecs: 120,
			MaxRetries:  2,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RateLimit:      5,
			Burst:          10,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		History: HistoryConfig{Enabled: true},
		UI:      UIConfig{Markdown: true, Theme: "auto"},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory (~/.ollama-chat), or
// $OLLAMA_CHAT_HOME when set.
func ConfigDir() (string, error) {
	if dir := os.Getenv("OLLAMA_CHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".ollama-chat"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
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
	return os.MkdirAll(dir, 0700)
}

// HistoryPath returns the transcript database path.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// LogPath returns the log file used by interactive commands.
func (c *Config) LogPath() (string, error) {
	if c.Log.File != "" {
		return c.Log.File, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ollama-chat.log"), nil
}

// ActiveModel returns the configured model of the active provider.
func (c *Config) ActiveModel() string {
	if c.Provider.Kind == "cloud" {
		return c.Cloud.Model
	}
	return c.Local.Model
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from ConfigPath when path is empty.
// A missing file yields the defaults. Environment overrides are applied
// last, then the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads path without environment overrides or validation, so the
// result can be edited and saved back. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := decodeFile(cfg, path); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// decodeFile decodes a TOML (or, by extension, JSON) file over cfg.
func decodeFile(cfg *Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read JSON config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
		return nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero values that have no meaningful zero.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Provider.Kind == "" {
		c.Provider.Kind = d.Provider.Kind
	}
	if c.Local.URL == "" {
		c.Local.URL = d.Local.URL
	}
	if c.Local.Model == "" {
		c.Local.Model = d.Local.Model
	}
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = d.Cloud.BaseURL
	}
	if c.Cloud.Model == "" {
		c.Cloud.Model = d.Cloud.Model
	}
	if c.Generation.TimeoutSecs == 0 {
		c.Generation.TimeoutSecs = d.Generation.TimeoutSecs
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = d.Server.Burst
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration as TOML to path (ConfigPath when empty).
// The file is written atomically with 0600 permissions since it may hold an
// API key.
func Save(cfg *Config, path string) error {
	if path == "" {
		if err := EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	buf.WriteString("# ollama-chat configuration file\n")
	buf.WriteString("# Environment variables (OLLAMA_CHAT_*, OLLAMA_HOST, OPENROUTER_API_KEY) override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
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

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors on failure.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.Provider.Kind {
	case "local", "cloud":
	default:
		add("provider.kind", fmt.Sprintf("must be local or cloud, got %q", c.Provider.Kind))
	}

	if err := validateURL(c.Local.URL); err != nil {
		add("local.url", err.Error())
	}
	if err := validateURL(c.Cloud.BaseURL); err != nil {
		add("cloud.base_url", err.Error())
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		add("generation.temperature", "must be between 0 and 2")
	}
	if c.Generation.MaxTokens < 0 {
		add("generation.max_tokens", "must not be negative")
	}
	if c.Generation.TimeoutSecs < 1 || c.Generation.TimeoutSecs > 3600 {
		add("generation.timeout_secs", "must be between 1 and 3600")
	}
	if c.Generation.MaxRetries < 0 || c.Generation.MaxRetries > 10 {
		add("generation.max_retries", "must be between 0 and 10")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	if c.Server.Burst < 0 {
		add("server.burst", "must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format", "must be json or console")
	}

	switch c.UI.Theme {
	case "auto", "dark", "light":
	default:
		add("ui.theme", "must be auto, dark or light")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: %q", raw)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - OLLAMA_CHAT_PROVIDER: provider.kind
//   - OLLAMA_CHAT_MODEL: model of the active provider
//   - OLLAMA_HOST, OLLAMA_CHAT_OLLAMA_URL: local.url (the latter wins)
//   - OPENROUTER_API_KEY, OLLAMA_CHAT_API_KEY: cloud.api_key (the latter wins)
//   - OLLAMA_CHAT_CLOUD_URL: cloud.base_url
//   - OLLAMA_CHAT_LOG_LEVEL: log.level
//   - OLLAMA_CHAT_PORT: server.port
func (c *Config) ApplyEnvOverrides() {
	if kind := os.Getenv("OLLAMA_CHAT_PROVIDER"); kind != "" {
		c.Provider.Kind = strings.ToLower(kind)
	}
	if model := os.Getenv("OLLAMA_CHAT_MODEL"); model != "" {
		if c.Provider.Kind == "cloud" {
			c.Cloud.Model = model
		} else {
			c.Local.Model = model
		}
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Local.URL = normalizeOllamaHost(host)
	}
	if u := os.Getenv("OLLAMA_CHAT_OLLAMA_URL"); u != "" {
		c.Local.URL = u
	}

	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Cloud.APIKey = key
	}
	if key := os.Getenv("OLLAMA_CHAT_API_KEY"); key != "" {
		c.Cloud.APIKey = key
	}
	if u := os.Getenv("OLLAMA_CHAT_CLOUD_URL"); u != "" {
		c.Cloud.BaseURL = u
	}

	if level := os.Getenv("OLLAMA_CHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if port := os.Getenv("OLLAMA_CHAT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// normalizeOllamaHost accepts the forms Ollama itself accepts for
// OLLAMA_HOST ("host", "host:port", "scheme://host:port").
func normalizeOllamaHost(host string) string {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return host
	}
	if u.Port() == "" {
		u.Host += ":11434"
	}
	if u.Hostname() == "0.0.0.0" {
		u.Host = "127.0.0.1:" + u.Port()
	}
	return strings.TrimRight(u.String(), "/")
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using its TOML key path
// (e.g. "local.model").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value from its string form using its TOML key
// path. The result is not validated; call Validate afterwards.
func (c *Config) Set(key, value string) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected a boolean: %w", key, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected an integer: %w", key, err)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number: %w", key, err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("%s: cannot set a %s", key, field.Kind())
	}
	return nil
}

// lookup walks the struct following toml tags.
func (c *Config) lookup(key string) (reflect.Value, error) {
	parts := strings.Split(key, ".")
	if key == "" || len(parts) != 2 {
		return reflect.Value{}, fmt.Errorf("invalid key %q: expected section.name", key)
	}

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return v, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Keys returns every settable key in section.name form.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, section.Tag.Get("toml")+"."+section.Type.Field(j).Tag.Get("toml"))
		}
	}
	return keys
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.AllowedOrigins != nil {
		clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	return &clone
}

// Redacted returns a copy safe for display, with the API key masked.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Cloud.APIKey != "" {
		safe.Cloud.APIKey = "[REDACTED]"
	}
	return safe
}

// String returns the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}
