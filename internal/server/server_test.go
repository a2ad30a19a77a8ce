// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/metrics"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeBackend struct {
	mu      sync.Mutex
	chunks  []string
	err     error
	block   bool
	started chan struct{}
	model   string
}

func (f *fakeBackend) Chat(ctx context.Context, model string, messages []chat.Message, sink stream.Sink) (string, error) {
	f.mu.Lock()
	f.model = model
	chunks, err, block := f.chunks, f.err, f.block
	f.mu.Unlock()

	if block {
		if f.started != nil {
			f.started <- struct{}{}
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		transport.Notify(err, sink)
		return "", err
	}
	for _, c := range chunks {
		sink(c)
	}
	return strings.Join(chunks, ""), nil
}

func (f *fakeBackend) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	return f.Chat(ctx, model, messages, func(string) {})
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]chat.Model, error) {
	return []chat.Model{{Name: "llama3.2", Size: 2 << 30}}, nil
}

func (f *fakeBackend) lastModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

func newTestServer(t *testing.T, backend *fakeBackend, mutate func(*Options)) (*Server, *provider.Session) {
	t.Helper()
	session := provider.NewSession(backend, nil, provider.Options{
		Kind:       provider.KindLocal,
		LocalModel: "llama3.2",
		CloudModel: "openai/gpt-4o-mini",
	})
	opts := Options{Session: session, Version: "test"}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), session
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

// =============================================================================
// HEALTH / PROVIDER / MODELS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "local", resp.Provider.Kind)
	assert.Equal(t, "llama3.2", resp.Provider.Model)
	assert.False(t, resp.Provider.Busy)
}

func TestHandleProvider(t *testing.T) {
	srv, session := newTestServer(t, &fakeBackend{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPut, "/api/provider", `{"kind":"openrouter"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, provider.KindCloud, session.Kind())
	assert.Equal(t, "openai/gpt-4o-mini", session.Model())

	rec = do(t, h, http.MethodPut, "/api/provider", `{"model":"anthropic/claude-3.5-sonnet"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp providerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cloud", resp.Kind)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", resp.Model)

	rec = do(t, h, http.MethodGet, "/api/provider", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anthropic/claude-3.5-sonnet"`)
}

func TestHandleProviderInvalid(t *testing.T) {
	srv, session := newTestServer(t, &fakeBackend{}, nil)
	h := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"mainframe"}`},
		{"empty", `{}`},
		{"unknown field", `{"provider":"local"}`},
		{"not json", `kind=local`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, "/api/provider", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "bad_request", decodeError(t, rec).Type)
		})
	}
	assert.Equal(t, provider.KindLocal, session.Kind())
}

func TestHandleModels(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp modelsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "local", resp.Provider)
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "llama3.2", resp.Models[0].Name)
}

func TestHandleModelsMissingBackend(t *testing.T) {
	srv, session := newTestServer(t, &fakeBackend{}, nil)
	require.NoError(t, session.SetKind(provider.KindCloud))

	rec := do(t, srv.Handler(), http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "backend_unavailable", decodeError(t, rec).Type)
}

// =============================================================================
// CHAT
// =============================================================================

const helloBody = `{"messages":[{"role":"user","content":"hi"}]}`

func TestChatStreaming(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{chunks: []string{"Hel", "lo"}}, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", helloBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	want := "data: {\"content\":\"Hel\"}\n\n" +
		"data: {\"content\":\"lo\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestChatNonStreaming(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"Hi ", "there"}}
	srv, _ := newTestServer(t, backend, nil)

	body := `{"model":"qwen2.5","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "qwen2.5", resp.Model)
	assert.Equal(t, chat.Assistant("Hi there"), resp.Message)
	assert.Equal(t, "qwen2.5", backend.lastModel())
}

func TestChatStreamingError(t *testing.T) {
	backend := &fakeBackend{err: &transport.Error{Kind: transport.KindModelNotFound, Model: "nope", Message: "model not found"}}
	srv, _ := newTestServer(t, backend, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", helloBody)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"kind":"model_not_found"`)
	assert.NotContains(t, body, "[DONE]")
	assert.Equal(t, 1, strings.Count(body, "event: "))
}

func TestChatErrorStatus(t *testing.T) {
	tests := []struct {
		kind   transport.Kind
		status int
	}{
		{transport.KindModelNotFound, http.StatusNotFound},
		{transport.KindTimeout, http.StatusGatewayTimeout},
		{transport.KindRateLimited, http.StatusTooManyRequests},
		{transport.KindBackendUnavailable, http.StatusBadGateway},
		{transport.KindUnauthorized, http.StatusBadGateway},
		{transport.KindGeneric, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			backend := &fakeBackend{err: &transport.Error{Kind: tt.kind, Message: "boom"}}
			srv, _ := newTestServer(t, backend, nil)

			body := `{"stream":false,"messages":[{"role":"user","content":"hi"}]}`
			rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind.String(), decodeError(t, rec).Type)
		})
	}
}

func TestChatBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"no messages", `{"messages":[]}`},
		{"bad role", `{"messages":[{"role":"robot","content":"hi"}]}`},
		{"malformed", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatCancel(t *testing.T) {
	backend := &fakeBackend{block: true, started: make(chan struct{}, 1)}
	srv, session := newTestServer(t, backend, nil)
	h := srv.Handler()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, h, http.MethodPost, "/api/chat", helloBody)
	}()

	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("chat never reached the backend")
	}
	assert.True(t, session.Busy())

	rec := do(t, h, http.MethodPost, "/api/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())

	select {
	case rec := <-done:
		assert.Contains(t, rec.Body.String(), "event: cancelled\n")
		assert.NotContains(t, rec.Body.String(), "event: error")
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not finish after cancel")
	}

	rec = do(t, h, http.MethodPost, "/api/cancel", "")
	assert.JSONEq(t, `{"cancelled":false}`, rec.Body.String())
}

// =============================================================================
// WEBSOCKET
// =============================================================================

func dialWS(t *testing.T, srv *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// readUntilTerminal collects messages up to and including the terminal one.
func readUntilTerminal(t *testing.T, ctx context.Context, conn *websocket.Conn) []ServerMessage {
	t.Helper()
	var msgs []ServerMessage
	for {
		var msg ServerMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		msgs = append(msgs, msg)
		switch msg.Type {
		case MsgDone, MsgError, MsgCancelled:
			return msgs
		}
	}
}

func TestWebSocketChat(t *testing.T) {
	srv, session := newTestServer(t, &fakeBackend{chunks: []string{"Hel", "lo"}}, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MsgChat, ID: "1", Content: "hi"}))
	msgs := readUntilTerminal(t, ctx, conn)

	require.Len(t, msgs, 3)
	assert.Equal(t, ServerMessage{Type: MsgChunk, ID: "1", Content: "Hel"}, msgs[0])
	assert.Equal(t, ServerMessage{Type: MsgChunk, ID: "1", Content: "lo"}, msgs[1])
	assert.Equal(t, ServerMessage{Type: MsgDone, ID: "1", Content: "Hello"}, msgs[2])

	assert.Equal(t, []chat.Message{chat.User("hi"), chat.Assistant("Hello")}, session.History())
}

func TestWebSocketStatelessChat(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"ok"}}
	srv, session := newTestServer(t, backend, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{
		Type:     MsgChat,
		ID:       "s",
		Model:    "qwen2.5",
		Messages: []chat.Message{chat.User("hi")},
	}))
	msgs := readUntilTerminal(t, ctx, conn)

	assert.Equal(t, MsgDone, msgs[len(msgs)-1].Type)
	assert.Equal(t, "qwen2.5", backend.lastModel())
	assert.Empty(t, session.History())
}

func TestWebSocketCancel(t *testing.T) {
	backend := &fakeBackend{block: true, started: make(chan struct{}, 1)}
	srv, session := newTestServer(t, backend, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MsgChat, ID: "c", Content: "hi"}))
	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("chat never reached the backend")
	}

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MsgCancel}))
	msgs := readUntilTerminal(t, ctx, conn)

	require.Len(t, msgs, 1)
	assert.Equal(t, ServerMessage{Type: MsgCancelled, ID: "c"}, msgs[0])
	assert.Empty(t, session.History())
}

func TestWebSocketError(t *testing.T) {
	backend := &fakeBackend{err: &transport.Error{Kind: transport.KindTimeout, Message: "request timed out"}}
	srv, _ := newTestServer(t, backend, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MsgChat, ID: "e", Content: "hi"}))
	msgs := readUntilTerminal(t, ctx, conn)

	last := msgs[len(msgs)-1]
	assert.Equal(t, MsgError, last.Type)
	assert.Equal(t, "e", last.ID)
	assert.Equal(t, "timeout", last.Kind)

	terminals := 0
	for _, m := range msgs {
		if m.Type != MsgChunk {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestWebSocketEmptyPrompt(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: MsgChat, ID: "x", Content: "   "}))
	msgs := readUntilTerminal(t, ctx, conn)

	require.Len(t, msgs, 1)
	assert.Equal(t, MsgError, msgs[0].Type)
	assert.Equal(t, "bad_request", msgs[0].Kind)
}

func TestWebSocketUnknownType(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	conn, ctx := dialWS(t, srv)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: "dance", ID: "u"}))

	var msg ServerMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "u", msg.ID)
	assert.Contains(t, msg.Message, "dance")
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestConversationRoutes(t *testing.T) {
	store, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, session := newTestServer(t, &fakeBackend{}, func(o *Options) { o.Store = store })
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/conversations", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty history is not saved")

	require.NoError(t, session.SetHistory([]chat.Message{chat.User("what is go"), chat.Assistant("a language")}))
	rec = do(t, h, http.MethodPost, "/api/conversations", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var metas []storage.ConversationMeta
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "what is go", metas[0].Title)

	rec = do(t, h, http.MethodGet, "/api/conversations?q=language", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = do(t, h, http.MethodGet, "/api/conversations/"+id[:8], "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv storage.StoredConversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	assert.Len(t, conv.Messages, 2)

	rec = do(t, h, http.MethodDelete, "/api/conversations/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/conversations/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/conversations?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationRoutesWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/conversations", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	srv, _ := newTestServer(t, &fakeBackend{}, func(o *Options) { o.Metrics = m })
	h := srv.Handler()

	do(t, h, http.MethodGet, "/api/provider", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ollama_chat_http_requests_total{method="GET",path="/api/provider",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	m := metrics.New()
	srv, _ := newTestServer(t, &fakeBackend{}, func(o *Options) {
		o.RateLimit = 0.001
		o.Burst = 1
		o.Metrics = m
	})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/provider", "").Code)
	rec := do(t, h, http.MethodGet, "/api/provider", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code, "health is exempt")
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	h := srv.Handler()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"http://localhost", true},
		{"https://localhost", false},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			if tt.allowed {
				assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", id)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(RecoveryMiddleware(zap.NewNop()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Type)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "192.168.1.10:5000", "", "", "192.168.1.10"},
		{"remote peer cannot spoof", "192.168.1.10:5000", "1.2.3.4", "", "192.168.1.10"},
		{"loopback proxy xff", "127.0.0.1:5000", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"loopback proxy real ip", "127.0.0.1:5000", "", "5.6.7.8", "5.6.7.8"},
		{"loopback garbage header", "127.0.0.1:5000", "not-an-ip", "", "127.0.0.1"},
		{"ipv6 loopback", "[::1]:5000", "", "", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestListenAndServeShutdown(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, func(o *Options) { o.Addr = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSSEThroughRealServer(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{chunks: []string{"a", "b"}}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(helloBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{`data: {"content":"a"}`, `data: {"content":"b"}`, "data: [DONE]"}, lines)
}
