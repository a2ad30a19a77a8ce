// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

const (
	// DefaultBaseURL uses an explicit IPv4 address instead of localhost to
	// avoid IPv6 resolution issues on Windows.
	DefaultBaseURL = "http://127.0.0.1:11434"

	DefaultModel = "llama3.2"
)

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama server root (default: http://127.0.0.1:11434).
	BaseURL string

	// Timeout bounds each chat request, streaming included (default: 2m).
	Timeout time.Duration

	// ProbeTimeout bounds health checks (default: 3s).
	ProbeTimeout time.Duration

	// StartTimeout is how long EnsureRunning waits for a freshly started
	// server (default: platform specific, 10-15s).
	StartTimeout time.Duration

	Temperature float64
	MaxTokens   int
	MaxRetries  int

	Logger   *zap.Logger
	Observer transport.Observer
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      transport.DefaultTimeout,
		ProbeTimeout: 3 * time.Second,
		StartTimeout: defaultStartTimeout,
		Temperature:  transport.DefaultTemperature,
		MaxTokens:    transport.DefaultMaxTokens,
		MaxRetries:   2,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with a local Ollama server.
//
// The Client is safe for concurrent use.
type Client struct {
	config    *ClientConfig
	transport *transport.Client
	logger    *zap.Logger

	// launch starts the server process and returns the executable path.
	launch func() (string, error)
}

// NewClient creates a new Ollama client. A nil config uses DefaultConfig.
func NewClient(config *ClientConfig) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config

	// Fill in defaults for any zero values
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		config: &cfg,
		transport: transport.New(&transport.Config{
			Backend:     "ollama",
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			MaxRetries:  cfg.MaxRetries,
			Logger:      cfg.Logger,
			Observer:    cfg.Observer,
		}),
		logger: cfg.Logger.Named("ollama"),
		launch: launchOllama,
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()
	return c.transport.Probe(ctx, "/")
}

// EnsureRunning checks if Ollama is running, and starts it if not.
func (c *Client) EnsureRunning(ctx context.Context) error {
	if err := c.CheckRunning(ctx); err == nil {
		return nil
	}
	return c.startOllamaProcess(ctx)
}

// startOllamaProcess launches `ollama serve` in the background and polls
// until it answers or StartTimeout elapses.
func (c *Client) startOllamaProcess(ctx context.Context) error {
	path, err := c.launch()
	if err != nil {
		return &transport.Error{
			Kind:     transport.KindBackendUnavailable,
			Endpoint: c.config.BaseURL,
			Message:  "failed to start Ollama",
			Cause:    err,
		}
	}
	c.logger.Info("starting Ollama service", zap.String("path", path))

	start := time.Now()
	deadline := start.Add(c.config.StartTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = c.CheckRunning(ctx)
		if lastErr == nil {
			c.logger.Info("Ollama service started", zap.Duration("elapsed", time.Since(start)))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	return &transport.Error{
		Kind:     transport.KindBackendUnavailable,
		Endpoint: c.config.BaseURL,
		Message:  fmt.Sprintf("Ollama started but not responding after %s (path: %s)", c.config.StartTimeout, path),
		Cause:    lastErr,
	}
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// tagsResponse is the body of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Model      string    `json:"model"`
		ModifiedAt time.Time `json:"modified_at"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		Details    struct {
			Family            string `json:"family"`
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

// ListModels retrieves all locally installed models, sorted by name.
func (c *Client) ListModels(ctx context.Context) ([]chat.Model, error) {
	var tags tagsResponse
	if err := c.transport.GetJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}

	models := make([]chat.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		models = append(models, chat.Model{
			Name:          name,
			Size:          m.Size,
			ModifiedAt:    m.ModifiedAt,
			Digest:        m.Digest,
			Family:        m.Details.Family,
			ParameterSize: m.Details.ParameterSize,
		})
	}
	slices.SortFunc(models, func(a, b chat.Model) int { return strings.Compare(a.Name, b.Name) })
	return models, nil
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// Chat streams a completion. Fragments are delivered to sink; the full text
// is returned.
func (c *Client) Chat(ctx context.Context, model string, messages []chat.Message, sink stream.Sink) (string, error) {
	return c.transport.Chat(ctx, c.model(model), messages, sink)
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	return c.transport.Complete(ctx, c.model(model), messages)
}

func (c *Client) model(name string) string {
	if name == "" {
		return DefaultModel
	}
	return name
}
