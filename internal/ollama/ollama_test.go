// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// fakeOllama serves the subset of the Ollama API the client uses.
func fakeOllama(t *testing.T, running *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if running != nil && !running.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, "Ollama is running")
		case "/api/version":
			fmt.Fprint(w, `{"version":"0.5.7"}`)
		case "/api/tags":
			fmt.Fprint(w, `{"models":[
				{"name":"qwen2.5-coder:7b","size":4683087332,"digest":"abc","details":{"family":"qwen2","parameter_size":"7.6B"}},
				{"name":"llama3.2:latest","size":2019393189,"modified_at":"2025-01-02T15:04:05Z"}
			]}`)
		case "/v1/chat/completions":
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != "http://127.0.0.1:11434" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v, want 2m", cfg.Timeout)
	}
	if cfg.StartTimeout != defaultStartTimeout {
		t.Errorf("StartTimeout = %v", cfg.StartTimeout)
	}
}

func TestNewClientFillsDefaults(t *testing.T) {
	c := NewClient(&ClientConfig{BaseURL: "http://example:11434/"})

	if c.BaseURL() != "http://example:11434" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	if c.config.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v", c.config.Timeout)
	}
	if c.config.ProbeTimeout == 0 {
		t.Error("ProbeTimeout not defaulted")
	}
	if NewClient(nil).BaseURL() != DefaultBaseURL {
		t.Error("nil config should use default base URL")
	}
}

// =============================================================================
// HEALTH TESTS
// =============================================================================

func TestCheckRunning(t *testing.T) {
	srv := fakeOllama(t, nil)
	if err := NewClient(&ClientConfig{BaseURL: srv.URL}).CheckRunning(context.Background()); err != nil {
		t.Fatalf("CheckRunning() = %v", err)
	}

	srv.Close()
	err := NewClient(&ClientConfig{BaseURL: srv.URL}).CheckRunning(context.Background())
	if !transport.IsBackendUnavailable(err) {
		t.Errorf("CheckRunning() on closed server = %v, want backend unavailable", err)
	}
}

func TestEnsureRunningStartsServer(t *testing.T) {
	var running atomic.Bool
	srv := fakeOllama(t, &running)

	c := NewClient(&ClientConfig{BaseURL: srv.URL, StartTimeout: 2 * time.Second})
	var launched atomic.Int32
	c.launch = func() (string, error) {
		launched.Add(1)
		running.Store(true)
		return "/usr/bin/ollama", nil
	}

	if err := c.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() = %v", err)
	}
	if launched.Load() != 1 {
		t.Errorf("launched %d times, want 1", launched.Load())
	}

	// Already running: no second launch.
	if err := c.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() = %v", err)
	}
	if launched.Load() != 1 {
		t.Errorf("launched %d times, want 1", launched.Load())
	}
}

func TestEnsureRunningLaunchFailure(t *testing.T) {
	var running atomic.Bool
	srv := fakeOllama(t, &running)

	c := NewClient(&ClientConfig{BaseURL: srv.URL})
	c.launch = func() (string, error) { return "", errors.New("ollama not found") }

	err := c.EnsureRunning(context.Background())
	if !transport.IsBackendUnavailable(err) {
		t.Errorf("EnsureRunning() = %v, want backend unavailable", err)
	}
}

func TestEnsureRunningGivesUp(t *testing.T) {
	var running atomic.Bool
	srv := fakeOllama(t, &running)

	c := NewClient(&ClientConfig{BaseURL: srv.URL, StartTimeout: 300 * time.Millisecond})
	c.launch = func() (string, error) { return "/bin/ollama", nil }

	err := c.EnsureRunning(context.Background())
	if !transport.IsBackendUnavailable(err) {
		t.Errorf("EnsureRunning() = %v, want backend unavailable", err)
	}
}

// =============================================================================
// MODEL TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	srv := fakeOllama(t, nil)
	models, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() = %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}

	// Sorted by name.
	if models[0].Name != "llama3.2:latest" || models[1].Name != "qwen2.5-coder:7b" {
		t.Errorf("order = %s, %s", models[0].Name, models[1].Name)
	}
	if models[0].Size != 2019393189 {
		t.Errorf("Size = %d", models[0].Size)
	}
	if models[0].ModifiedAt.IsZero() {
		t.Error("ModifiedAt not parsed")
	}
	if models[1].Family != "qwen2" || models[1].ParameterSize != "7.6B" {
		t.Errorf("details = %+v", models[1])
	}
	if models[1].FormatSize() != "4.4 GiB" {
		t.Errorf("FormatSize() = %q", models[1].FormatSize())
	}
}

func TestListModelsBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(&ClientConfig{BaseURL: url}).ListModels(context.Background())
	if !transport.IsBackendUnavailable(err) {
		t.Errorf("ListModels() = %v, want backend unavailable", err)
	}
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChatUsesCompatEndpoint(t *testing.T) {
	srv := fakeOllama(t, nil)
	c := NewClient(&ClientConfig{BaseURL: srv.URL})

	var frags []string
	text, err := c.Chat(context.Background(), "", []chat.Message{chat.User("hello")}, func(s string) {
		frags = append(frags, s)
	})
	if err != nil {
		t.Fatalf("Chat() = %v", err)
	}
	if text != "Hi" || len(frags) != 1 {
		t.Errorf("text %q frags %q", text, frags)
	}
}

func TestModelDefault(t *testing.T) {
	c := NewClient(nil)
	if c.model("") != DefaultModel {
		t.Errorf("model(\"\") = %q", c.model(""))
	}
	if c.model("mistral") != "mistral" {
		t.Errorf("model(mistral) = %q", c.model("mistral"))
	}
}
