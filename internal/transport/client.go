// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport performs chat completion calls against an
// OpenAI-compatible endpoint and maps failures to caller-meaningful kinds.
//
// The same client serves the local Ollama backend and cloud backends; only
// the base URL and credentials differ.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// CompletionsPath is appended to the base URL for chat calls.
	CompletionsPath = "/v1/chat/completions"

	// DefaultTimeout bounds a whole request, including streaming.
	DefaultTimeout = 2 * time.Minute

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048

	// MaxResponseSize limits non-streaming response bodies (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the settings for one backend.
type Config struct {
	// Backend is a display name used in logs and metrics ("ollama", "cloud").
	Backend string

	// BaseURL is the server root, without the /v1 suffix.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Headers are added to every request.
	Headers map[string]string

	// Timeout bounds each request (default: 2m).
	Timeout time.Duration

	Temperature float64
	MaxTokens   int

	// MaxRetries for 429/5xx before any response byte is consumed (default: 2).
	MaxRetries int

	Logger     *zap.Logger
	Observer   Observer
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for a local Ollama server.
func DefaultConfig() *Config {
	return &Config{
		Backend:     "ollama",
		BaseURL:     "http://127.0.0.1:11434",
		Timeout:     DefaultTimeout,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		MaxRetries:  2,
	}
}

// Observer receives one Outcome per completed request.
type Observer interface {
	ObserveRequest(Outcome)
}

// Outcome summarizes a finished request.
type Outcome struct {
	Backend  string
	Model    string
	Stream   bool
	Signal   stream.Signal
	Kind     Kind // meaningful when Signal is SignalFailed
	Duration time.Duration
	Stats    stream.Stats
}

// =============================================================================
// CLIENT
// =============================================================================

// Client issues chat completion requests. It holds no per-request state and
// is safe for concurrent use; every call gets its own decoder.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a client, filling zero values from DefaultConfig.
func New(cfg *Config) *Client {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg

	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	hc := c.HTTPClient
	if hc == nil {
		// No client-level timeout: the per-request context deadline covers
		// the streamed body too.
		hc = &http.Client{}
	}

	return &Client{
		cfg:    c,
		http:   hc,
		logger: c.Logger.With(zap.String("backend", c.Backend)),
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Request is a single chat completion call.
type Request struct {
	Model    string
	Messages []chat.Message
	Stream   bool

	// Temperature and MaxTokens override the client defaults when set.
	Temperature *float64
	MaxTokens   int
}

type completionRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Ollama's native /api/chat shape.
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Chat streams a completion, delivering fragments to sink and returning the
// full text.
func (c *Client) Chat(ctx context.Context, model string, messages []chat.Message, sink stream.Sink) (string, error) {
	return c.Do(ctx, Request{Model: model, Messages: messages, Stream: true}, sink)
}

// Complete performs a non-streaming completion and returns the message content.
func (c *Client) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	return c.Do(ctx, Request{Model: model, Messages: messages}, nil)
}

// Do performs a chat call. In streaming mode fragments go to sink as they
// arrive; in non-streaming mode sink only ever receives an error notice.
//
// On failure, sink first receives a descriptive inline notice, then the
// error is returned. Cancellation of ctx returns ctx.Err() with no notice.
func (c *Client) Do(ctx context.Context, req Request, sink stream.Sink) (string, error) {
	if sink == nil {
		sink = func(string) {}
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		text  string
		stats stream.Stats
		err   error
	)
	if req.Stream {
		text, stats, err = c.doStream(ctx, req, sink)
	} else {
		text, err = c.doComplete(ctx, req)
		if err != nil && stream.SignalFor(err) == stream.SignalFailed {
			Notify(err, sink)
		}
	}

	c.observe(req, start, stats, err)
	return text, err
}

func (c *Client) doStream(ctx context.Context, req Request, sink stream.Sink) (string, stream.Stats, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		if stream.SignalFor(err) == stream.SignalFailed {
			Notify(err, sink)
		}
		return "", stream.Stats{}, err
	}
	defer resp.Body.Close()

	d := stream.NewDecoder(
		stream.WithLogger(c.logger),
		stream.WithErrorMapper(func(err error) error { return classify(err, c.cfg.BaseURL) }),
	)
	res := d.Run(ctx, resp.Body, sink)

	switch res.Signal {
	case stream.SignalCompleted:
		return res.Text, d.Stats(), nil
	default:
		return res.Text, d.Stats(), res.Err
	}
}

func (c *Client) doComplete(ctx context.Context, req Request) (string, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return "", c.ctxError(ctx)
		}
		return "", classify(err, c.cfg.BaseURL)
	}

	var out completionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Message: "failed to decode response", Cause: err}
	}
	switch {
	case len(out.Choices) > 0:
		return out.Choices[0].Message.Content, nil
	case out.Message != nil:
		return out.Message.Content, nil
	default:
		return "", &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Message: "response contained no choices"}
	}
}

// send posts the request, retrying transient failures before any response
// body is consumed.
func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	body := completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Message: "failed to marshal request", Cause: err}
	}

	url := c.cfg.BaseURL + CompletionsPath
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			c.logger.Debug("retrying chat request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, c.ctxError(ctx)
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Message: "failed to create request", Cause: err}
		}
		c.setHeaders(httpReq, req.Stream)

		c.logger.Debug("sending chat request",
			zap.String("model", req.Model),
			zap.Bool("stream", req.Stream),
			zap.Int("messages", len(req.Messages)),
			zap.Int("attempt", attempt))

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.ctxError(ctx)
			}
			lastErr = classify(err, c.cfg.BaseURL)
			if retryable(lastErr) {
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = statusError(resp.StatusCode, req.Model, c.cfg.BaseURL, readErrorDetail(resp.Body))
		resp.Body.Close()
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) setHeaders(req *http.Request, streaming bool) {
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// ctxError distinguishes caller cancellation from the request deadline.
func (c *Client) ctxError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return classify(err, c.cfg.BaseURL)
	}
	return err
}

func (c *Client) observe(req Request, start time.Time, stats stream.Stats, err error) {
	out := Outcome{
		Backend:  c.cfg.Backend,
		Model:    req.Model,
		Stream:   req.Stream,
		Signal:   stream.SignalFor(err),
		Kind:     KindOf(err),
		Duration: time.Since(start),
		Stats:    stats,
	}

	fields := []zap.Field{
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
		zap.String("outcome", out.Signal.String()),
		zap.Duration("duration", out.Duration),
		zap.Int("fragments", stats.Fragments),
	}
	switch out.Signal {
	case stream.SignalFailed:
		c.logger.Warn("chat request failed", append(fields, zap.String("kind", out.Kind.String()), zap.Error(err))...)
	default:
		c.logger.Info("chat request finished", fields...)
	}

	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveRequest(out)
	}
}

// =============================================================================
// AUXILIARY REQUESTS
// =============================================================================

// GetJSON issues a GET against path and decodes the JSON body into v, with the
// same error classification as chat calls.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := statusError(resp.StatusCode, "", c.cfg.BaseURL, readErrorDetail(resp.Body))
		if e.Kind == KindModelNotFound {
			e.Kind = KindGeneric
		}
		return e
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(v); err != nil {
		return &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// Probe issues a GET against path and succeeds on any 2xx response.
func (c *Client) Probe(ctx context.Context, path string) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Status: resp.StatusCode, Message: "unexpected status: " + resp.Status}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Endpoint: c.cfg.BaseURL, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.ctxError(ctx)
		}
		return nil, classify(err, c.cfg.BaseURL)
	}
	return resp, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// readErrorDetail extracts a message from an OpenAI-style
// {"error":{"message":...}} or Ollama-style {"error":"..."} body.
func readErrorDetail(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(body) == 0 {
		return ""
	}

	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Error) > 0 {
		var s string
		if json.Unmarshal(env.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}

	return util.TruncateRunes(strings.TrimSpace(string(body)), 200)
}

// Notify passes the inline notice for err to sink.
func Notify(err error, sink stream.Sink) {
	var te *Error
	if errors.As(err, &te) {
		sink(te.Inline())
		return
	}
	sink(fmt.Sprintf("\n\n[Error: %v]", err))
}

// calculateBackoff returns the delay before retry attempt n (1-based).
func calculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		return baseBackoff
	}
	if attempt > 10 {
		return maxBackoff
	}
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
