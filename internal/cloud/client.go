// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// Configuration constants for the cloud endpoint.
const (
	// DefaultBaseURL is the OpenRouter API root; /v1/chat/completions is
	// appended by the transport.
	DefaultBaseURL = "https://openrouter.ai/api"

	DefaultModel = "openai/gpt-4o-mini"

	// DefaultMaxRetries is the number of retries for 429/5xx responses.
	DefaultMaxRetries = 3

	siteURL  = "https://github.com/jeranaias/ollama-chat"
	siteName = "ollama-chat"
)

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig configures a cloud client.
type ClientConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	MaxRetries  int

	Logger   *zap.Logger
	Observer transport.Observer
}

// Client is a chat client for a hosted OpenAI-compatible API.
type Client struct {
	apiKey    string
	transport *transport.Client
	logger    *zap.Logger
}

// NewClient creates a cloud client. A nil config yields an unconfigured
// client whose calls fail with an unauthorized error.
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{MaxRetries: DefaultMaxRetries}
	}
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.APIKey = strings.TrimSpace(c.APIKey)

	client := &Client{
		apiKey: c.APIKey,
		transport: transport.New(&transport.Config{
			Backend:     "cloud",
			BaseURL:     c.BaseURL,
			APIKey:      c.APIKey,
			Headers:     map[string]string{"HTTP-Referer": siteURL, "X-Title": siteName},
			Timeout:     c.Timeout,
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
			MaxRetries:  c.MaxRetries,
			Logger:      c.Logger,
			Observer:    c.Observer,
		}),
		logger: c.Logger.Named("cloud"),
	}
	if client.IsConfigured() {
		client.logger.Debug("cloud client configured",
			zap.String("base_url", c.BaseURL),
			zap.String("key", client.KeyFingerprint()))
		if !ValidateAPIKey(c.APIKey) {
			client.logger.Warn("cloud API key does not look like an sk- key; requests may be rejected",
				zap.String("key", client.KeyFingerprint()))
		}
	}
	return client
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.transport.BaseURL()
}

// KeyFingerprint returns the first 8 hex characters of the key's SHA-256.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// ValidateAPIKey checks that a key looks like an OpenAI-style secret key
// ("sk-" prefix, reasonable length and variety). It does not contact the API.
func ValidateAPIKey(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	if !strings.HasPrefix(apiKey, "sk-") || len(apiKey) < 24 {
		return false
	}

	unique := make(map[rune]bool)
	for _, r := range apiKey[3:] {
		unique[r] = true
	}
	return len(unique) >= 10
}

// errNotConfigured is returned by calls made without an API key.
func (c *Client) errNotConfigured() error {
	return &transport.Error{
		Kind:     transport.KindUnauthorized,
		Endpoint: c.BaseURL(),
		Message:  "cloud API key not configured",
	}
}

// =============================================================================
// MODELS
// =============================================================================

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Created       int64  `json:"created"`
		OwnedBy       string `json:"owned_by"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// ListModels lists the models offered by the endpoint (GET /v1/models).
// Hosted APIs do not report a byte size, so Size is zero.
func (c *Client) ListModels(ctx context.Context) ([]chat.Model, error) {
	if !c.IsConfigured() {
		return nil, c.errNotConfigured()
	}
	var resp modelsResponse
	if err := c.transport.GetJSON(ctx, "/v1/models", &resp); err != nil {
		return nil, err
	}

	models := make([]chat.Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		model := chat.Model{Name: m.ID, Family: m.OwnedBy}
		if m.Created > 0 {
			model.ModifiedAt = time.Unix(m.Created, 0).UTC()
		}
		if model.Family == "" {
			if owner, _, ok := strings.Cut(m.ID, "/"); ok {
				model.Family = owner
			}
		}
		models = append(models, model)
	}
	slices.SortFunc(models, func(a, b chat.Model) int { return strings.Compare(a.Name, b.Name) })
	return models, nil
}

// =============================================================================
// CHAT
// =============================================================================

// Chat streams a completion.
func (c *Client) Chat(ctx context.Context, model string, messages []chat.Message, sink stream.Sink) (string, error) {
	if !c.IsConfigured() {
		err := c.errNotConfigured()
		if sink != nil {
			transport.Notify(err, sink)
		}
		return "", err
	}
	return c.transport.Chat(ctx, c.model(model), messages, sink)
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	if !c.IsConfigured() {
		return "", c.errNotConfigured()
	}
	return c.transport.Complete(ctx, c.model(model), messages)
}

func (c *Client) model(name string) string {
	if name == "" {
		return DefaultModel
	}
	return name
}
