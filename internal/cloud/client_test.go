// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

func fakeCloud(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"No auth credentials found","code":401}}`)
			return
		}
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[
				{"id":"openai/gpt-4o-mini","created":1721260800},
				{"id":"anthropic/claude-3.5-sonnet","owned_by":"anthropic"}
			]}`)
		case "/v1/chat/completions":
			if strings.Contains(r.Header.Get("Accept"), "event-stream") {
				fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
				fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"cloud \"}}]}\n\n")
				fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"answer\"},\"finish_reason\":\"stop\"}]}\n\n")
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// KEY TESTS
// =============================================================================

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{testKey, true},
		{"sk-proj-Ab3dEf6hIj9kLm2nOp5q", true},
		{"", false},
		{"sk-short", false},
		{"pk-abcdefghijklmnopqrstuvwxyz", false},
		{"sk-aaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateAPIKey(tt.key), "key %q", tt.key)
	}
}

func TestKeyFingerprint(t *testing.T) {
	c := NewClient(&ClientConfig{APIKey: testKey})
	fp := c.KeyFingerprint()

	assert.Len(t, fp, 8)
	assert.NotContains(t, testKey, fp)
	assert.Equal(t, fp, NewClient(&ClientConfig{APIKey: testKey}).KeyFingerprint())
	assert.Equal(t, "none", NewClient(nil).KeyFingerprint())
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChatStreaming(t *testing.T) {
	srv := fakeCloud(t)
	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: testKey})

	var frags []string
	text, err := c.Chat(context.Background(), "", []chat.Message{chat.User("hi")}, func(s string) {
		frags = append(frags, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "cloud answer", text)
	assert.Equal(t, []string{"cloud ", "answer"}, frags)
}

func TestComplete(t *testing.T) {
	srv := fakeCloud(t)
	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: testKey})

	text, err := c.Complete(context.Background(), "openai/gpt-4o-mini", []chat.Message{chat.User("hi")})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
}

func TestChatNotConfigured(t *testing.T) {
	c := NewClient(&ClientConfig{APIKey: "   "})
	assert.False(t, c.IsConfigured())

	var frags []string
	_, err := c.Chat(context.Background(), "m", []chat.Message{chat.User("hi")}, func(s string) {
		frags = append(frags, s)
	})
	require.Error(t, err)
	assert.Equal(t, transport.KindUnauthorized, transport.KindOf(err))
	require.Len(t, frags, 1)
	assert.Contains(t, frags[0], "API key")

	_, err = c.Complete(context.Background(), "m", nil)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestChatWrongKey(t *testing.T) {
	srv := fakeCloud(t)
	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: "sk-wrong-0123456789abcdefghij"})

	_, err := c.Complete(context.Background(), "m", []chat.Message{chat.User("hi")})
	require.Error(t, err)
	assert.Equal(t, transport.KindUnauthorized, transport.KindOf(err))
	assert.Contains(t, err.Error(), "No auth credentials")
}

// TestChatConcurrent checks that concurrent calls with different models
// share no per-request state.
func TestChatConcurrent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: testKey})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := c.Complete(context.Background(), fmt.Sprintf("model-%d", i), []chat.Message{chat.User("x")})
			assert.NoError(t, err)
			assert.Equal(t, "ok", text)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(10), hits.Load())
}

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	srv := fakeCloud(t)
	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: testKey})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "anthropic/claude-3.5-sonnet", models[0].Name)
	assert.Equal(t, "anthropic", models[0].Family)
	assert.Equal(t, "openai/gpt-4o-mini", models[1].Name)
	assert.Equal(t, "openai", models[1].Family)
	assert.False(t, models[1].ModifiedAt.IsZero())
	assert.Equal(t, "-", models[1].FormatSize())
}

func TestListModelsNotConfigured(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.KindUnauthorized, transport.KindOf(err))
	assert.Zero(t, hits.Load(), "no request is sent without a key")
}

func TestMaxRetriesZeroHonoured(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: testKey, MaxRetries: 0})
	_, err := c.Complete(context.Background(), "m", []chat.Message{chat.User("hi")})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDefaults(t *testing.T) {
	c := NewClient(nil)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.Equal(t, DefaultModel, c.model(""))
}
