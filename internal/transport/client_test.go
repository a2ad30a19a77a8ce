// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/stream"
)

// =============================================================================
// HELPERS
// =============================================================================

type recorder struct {
	mu    sync.Mutex
	frags []string
}

func (r *recorder) sink(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frags = append(r.frags, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frags...)
}

type observerFunc func(Outcome)

func (f observerFunc) ObserveRequest(o Outcome) { f(o) }

func newTestClient(t *testing.T, url string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := &Config{Backend: "test", BaseURL: url, Timeout: 5 * time.Second, MaxRetries: 0}
	for _, m := range mutate {
		m(cfg)
	}
	return New(cfg)
}

var conversation = []chat.Message{chat.System("be brief"), chat.User("hello")}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestChatStreaming(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, CompletionsPath, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, part := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"He",
			"l\"}}]}\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n",
			"data: [DONE]\n",
		} {
			fmt.Fprint(w, part)
			f.Flush()
		}
	}))
	defer srv.Close()

	var rec recorder
	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Temperature = 0.2
		cfg.MaxTokens = 128
	})
	text, err := c.Chat(context.Background(), "llama3.2", conversation, rec.sink)

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, rec.all())

	assert.Equal(t, "llama3.2", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 128, got.MaxTokens)
	assert.Equal(t, conversation, got.Messages)
}

func TestChatNonStreaming(t *testing.T) {
	var streamFlag atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		streamFlag.Store(req.Stream)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Hi there"}}]}`)
	}))
	defer srv.Close()

	var rec recorder
	c := newTestClient(t, srv.URL)
	text, err := c.Do(context.Background(), Request{Model: "m", Messages: conversation}, rec.sink)

	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Empty(t, rec.all())
	assert.False(t, streamFlag.Load())
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), "m", conversation)
	require.Error(t, err)
	assert.Equal(t, KindGeneric, KindOf(err))
}

func TestChatRequestOverrides(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	temp := 0.0
	_, err := newTestClient(t, srv.URL).Do(context.Background(), Request{
		Model: "m", Messages: conversation, Temperature: &temp, MaxTokens: 7,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Temperature)
	assert.Equal(t, 7, got.MaxTokens)
}

// =============================================================================
// FAILURE MAPPING TESTS
// =============================================================================

func TestConnectionRefusedIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var rec recorder
	_, err := newTestClient(t, url).Chat(context.Background(), "m", conversation, rec.sink)

	require.Error(t, err)
	assert.True(t, IsBackendUnavailable(err), "got %v", err)
	assert.False(t, IsModelNotFound(err))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, stream.SignalFailed, stream.SignalFor(err))

	frags := rec.all()
	require.Len(t, frags, 1)
	assert.Contains(t, frags[0], "Cannot connect")
}

func TestNotFoundIsModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model \"ghost\" not found, try pulling it first","type":"api_error"}}`)
	}))
	defer srv.Close()

	var rec recorder
	_, err := newTestClient(t, srv.URL).Chat(context.Background(), "ghost", conversation, rec.sink)

	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
	assert.False(t, IsBackendUnavailable(err))
	assert.ErrorIs(t, err, ErrModelNotFound)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ghost", te.Model)
	assert.Contains(t, te.Message, "try pulling it first")

	frags := rec.all()
	require.Len(t, frags, 1)
	assert.Contains(t, frags[0], `"ghost"`)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   Kind
		msg    string
	}{
		{http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, KindUnauthorized, "invalid key"},
		{http.StatusForbidden, ``, KindUnauthorized, "403 Forbidden"},
		{http.StatusTooManyRequests, `{"error":"slow down"}`, KindRateLimited, "slow down"},
		{http.StatusBadRequest, `{"error":"bad messages"}`, KindGeneric, "bad messages"},
		{http.StatusInternalServerError, `oops`, KindGeneric, "oops"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Complete(context.Background(), "m", conversation)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	var rec recorder
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	_, err := c.Chat(context.Background(), "m", conversation, rec.sink)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Equal(t, stream.SignalFailed, stream.SignalFor(err))
	require.Len(t, rec.all(), 1)
	assert.Contains(t, rec.all()[0], "timed out")
}

func TestTimeoutMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"slow\"}}]}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var rec recorder
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 100 * time.Millisecond })
	text, err := c.Chat(context.Background(), "m", conversation, rec.sink)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Equal(t, "slow", text)
	frags := rec.all()
	require.Len(t, frags, 2)
	assert.Equal(t, "slow", frags[0])
}

func TestCancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rec recorder
	_, err := newTestClient(t, srv.URL).Chat(ctx, "m", conversation, func(s string) {
		rec.sink(s)
		cancel()
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, stream.SignalCancelled, stream.SignalFor(err))
	assert.Equal(t, []string{"first"}, rec.all())
}

func TestCancelBeforeRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recorder
	_, err := newTestClient(t, "http://127.0.0.1:1").Chat(ctx, "m", conversation, rec.sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.all())
}

func TestRetryOnServiceUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 1 })
	text, err := c.Complete(context.Background(), "m", conversation)

	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNoRetryOnNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 3 })
	_, err := c.Complete(context.Background(), "m", conversation)

	assert.True(t, IsModelNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "ollama-chat", r.Header.Get("X-Title"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", func(cfg *Config) {
		cfg.APIKey = "sk-test"
		cfg.Headers = map[string]string{"X-Title": "ollama-chat"}
	})
	assert.Equal(t, srv.URL, c.BaseURL())

	_, err := c.Complete(context.Background(), "m", conversation)
	require.NoError(t, err)
}

func TestObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\nnot json\ndata: [DONE]\n")
	}))
	defer srv.Close()

	var got Outcome
	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Observer = observerFunc(func(o Outcome) { got = o })
	})
	_, err := c.Chat(context.Background(), "m", conversation, nil)
	require.NoError(t, err)

	assert.Equal(t, "test", got.Backend)
	assert.Equal(t, "m", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, stream.SignalCompleted, got.Signal)
	assert.Equal(t, 1, got.Stats.Fragments)
	assert.Equal(t, 1, got.Stats.Malformed)
}

func TestGetJSONAndProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, "Ollama is running")
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","size":2019393189}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.Probe(context.Background(), "/"))

	var tags struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/api/tags", &tags))
	require.Len(t, tags.Models, 1)
	assert.Equal(t, int64(2019393189), tags.Models[0].Size)

	err := c.GetJSON(context.Background(), "/missing", &tags)
	require.Error(t, err)
	assert.False(t, IsModelNotFound(err))
	assert.Error(t, c.Probe(context.Background(), "/missing"))
}

func TestErrorInline(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindBackendUnavailable, Endpoint: "http://127.0.0.1:11434"}, "ollama serve"},
		{&Error{Kind: KindModelNotFound, Model: "qwen"}, "ollama pull qwen"},
		{&Error{Kind: KindTimeout}, "timed out"},
		{&Error{Kind: KindUnauthorized}, "API key"},
		{&Error{Kind: KindRateLimited}, "Rate limited"},
		{&Error{Kind: KindGeneric, Message: "boom"}, "boom"},
	}
	for _, tt := range tests {
		assert.Contains(t, tt.err.Inline(), tt.want, tt.err.Kind.String())
	}
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(context.Canceled, ""), context.Canceled)
	assert.True(t, IsTimeout(classify(context.DeadlineExceeded, "")))
	assert.True(t, IsBackendUnavailable(classify(errors.New("dial tcp 127.0.0.1:11434: connect: connection refused"), "")))
	assert.Equal(t, KindGeneric, KindOf(classify(errors.New("no such host"), "")))

	wrapped := fmt.Errorf("outer: %w", ErrModelNotFound)
	assert.Equal(t, wrapped, classify(wrapped, ""))
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{6, maxBackoff},
		{40, maxBackoff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "backend_unavailable", KindBackendUnavailable.String())
	assert.Equal(t, "model_not_found", KindModelNotFound.String())
	assert.True(t, strings.HasPrefix(KindGeneric.String(), "gen"))
}
