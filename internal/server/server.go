// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/metrics"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Options configures a Server. Session is required; everything else is
// optional.
type Options struct {
	Addr    string
	Version string

	Session *provider.Session
	Metrics *metrics.Metrics
	Store   *storage.ConversationStore
	Logger  *zap.Logger

	// RateLimit is sustained requests per second per client IP. Zero
	// disables rate limiting.
	RateLimit float64
	Burst     int

	AllowedOrigins []string

	// WriteTimeout bounds non-streaming responses. Streaming responses
	// extend their own deadline.
	WriteTimeout time.Duration
}

// Server is the local HTTP/websocket bridge to one chat session.
type Server struct {
	opts    Options
	session *provider.Session
	metrics *metrics.Metrics
	store   *storage.ConversationStore
	logger  *zap.Logger
	cors    *CORSConfig
	started time.Time

	mux     *http.ServeMux
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// New builds a server and its middleware chain.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 120 * time.Second
	}

	cors := DefaultCORSConfig()
	if len(opts.AllowedOrigins) > 0 {
		cors.AllowedOrigins = opts.AllowedOrigins
	}

	s := &Server{
		opts:    opts,
		session: opts.Session,
		metrics: opts.Metrics,
		store:   opts.Store,
		logger:  opts.Logger.Named("server"),
		cors:    cors,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()

	var observer HTTPObserver
	if s.metrics != nil {
		observer = s.metrics
	}

	middlewares := []Middleware{
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware,
		LoggingMiddleware(s.logger, observer, "/health", "/metrics"),
		SecurityHeadersMiddleware,
		CORSMiddleware(cors),
	}
	if opts.RateLimit > 0 {
		var onReject func()
		if s.metrics != nil {
			onReject = s.metrics.RateLimited.Inc
		}
		limiter := NewRateLimiter(opts.RateLimit, opts.Burst)
		middlewares = append(middlewares, RateLimitMiddleware(limiter, onReject, "/health", "/metrics"))
	}
	s.handler = Chain(middlewares...)(s.mux)
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/provider", s.handleGetProvider)
	s.mux.HandleFunc("PUT /api/provider", s.handlePutProvider)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	if s.store != nil {
		s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
		s.mux.HandleFunc("POST /api/conversations", s.handleSaveConversation)
		s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
		s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// httpServer returns the underlying http.Server, creating it once.
func (s *Server) httpServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		s.server = &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      s.opts.WriteTimeout,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          zap.NewStdLog(s.logger),
		}
	}
	return s.server
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	srv := s.httpServer()
	s.logger.Info("server listening",
		zap.String("addr", l.Addr().String()),
		zap.String("version", s.opts.Version))

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on opts.Addr and serves until ctx is cancelled,
// then shuts down gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.httpServer()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(l) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown cancels the in-flight chat and drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	s.session.Cancel()
	return srv.Shutdown(ctx)
}

// ============================================================================
// HEALTH / PROVIDER / MODELS
// ============================================================================

type providerResponse struct {
	Kind  string `json:"kind"`
	Label string `json:"label"`
	Model string `json:"model"`
	Busy  bool   `json:"busy"`
}

func (s *Server) providerState() providerResponse {
	kind := s.session.Kind()
	return providerResponse{
		Kind:  kind.String(),
		Label: kind.Label(),
		Model: s.session.Model(),
		Busy:  s.session.Busy(),
	}
}

type healthResponse struct {
	Status   string           `json:"status"`
	Version  string           `json:"version,omitempty"`
	Uptime   string           `json:"uptime"`
	Provider providerResponse `json:"provider"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.opts.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Provider: s.providerState(),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.providerState())
}

type providerRequest struct {
	Kind  string `json:"kind,omitempty"`
	Model string `json:"model,omitempty"`
}

func (s *Server) handlePutProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" && req.Model == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "kind or model is required")
		return
	}

	if req.Kind != "" {
		kind, err := provider.ParseKind(req.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if err := s.session.SetKind(kind); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if req.Model != "" {
		if err := s.session.SetModel(req.Model); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.providerState())
}

type modelsResponse struct {
	Provider string       `json:"provider"`
	Models   []chat.Model `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := s.session.ListModels
	if r.URL.Query().Get("refresh") != "" {
		list = s.session.RefreshModels
	}
	models, err := list(r.Context())
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	if models == nil {
		models = []chat.Model{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{
		Provider: s.session.Kind().String(),
		Models:   models,
	})
}

// ============================================================================
// CHAT
// ============================================================================

type chatRequest struct {
	Model    string         `json:"model,omitempty"`
	Messages []chat.Message `json:"messages"`
	// Stream defaults to true.
	Stream *bool `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Message chat.Message `json:"message"`
}

type chunkEvent struct {
	Content string `json:"content"`
}

type errorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handleChat answers a stateless chat: the client supplies the whole
// conversation. A new chat preempts the one in flight.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := chat.ValidateMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if req.Stream != nil && !*req.Stream {
		s.completeChat(w, r, req)
		return
	}
	s.streamChat(w, r, req)
}

func (s *Server) completeChat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	var text string
	err := s.session.Exclusive(r.Context(), func(ctx context.Context) error {
		var err error
		text, err = s.session.Complete(ctx, req.Model, req.Messages)
		return err
	})
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = s.session.Model()
	}
	writeJSON(w, http.StatusOK, chatResponse{Model: model, Message: chat.Assistant(text)})
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	rc := http.NewResponseController(w)
	// Generation can outlast the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	err := s.session.Exclusive(r.Context(), func(ctx context.Context) error {
		_, err := s.session.Chat(ctx, req.Model, req.Messages, func(fragment string) {
			writeEvent(w, "", chunkEvent{Content: fragment})
			_ = rc.Flush()
		})
		return err
	})

	switch stream.SignalFor(err) {
	case stream.SignalCompleted:
		fmt.Fprint(w, "data: [DONE]\n\n")
	case stream.SignalCancelled:
		writeEvent(w, "cancelled", struct{}{})
	default:
		writeEvent(w, "error", errorEvent{Kind: errorKind(err), Message: err.Error()})
	}
	_ = rc.Flush()

	s.logger.Debug("chat stream finished",
		zap.String("request_id", RequestID(r.Context())),
		zap.Stringer("signal", stream.SignalFor(err)))
}

// writeEvent writes one SSE event. An empty name writes a plain data line.
func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: s.session.Cancel()})
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var (
		metas []storage.ConversationMeta
		err   error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		metas, err = s.store.Search(r.Context(), q)
	} else {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
				return
			}
			limit = n
		}
		metas, err = s.store.List(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations")
		return
	}
	if metas == nil {
		metas = []storage.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

// handleSaveConversation stores the session's current history.
func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	conv := &storage.StoredConversation{
		Provider: s.session.Kind().String(),
		Model:    s.session.Model(),
		Messages: s.session.History(),
	}
	id, err := s.store.Save(r.Context(), conv)
	if err != nil {
		if errors.Is(err, storage.ErrEmptyConversation) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.logger.Error("failed to save conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrAmbiguousID):
		writeError(w, http.StatusConflict, "ambiguous_id", err.Error())
	default:
		s.logger.Error("conversation store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "conversation store failed")
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// errorKind names the failure category reported to clients.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, provider.ErrEmptyPrompt):
		return "bad_request"
	}
	return transport.KindOf(err).String()
}

// statusFor maps a chat failure to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return http.StatusConflict
	}
	if errors.Is(err, provider.ErrEmptyPrompt) {
		return http.StatusBadRequest
	}
	switch transport.KindOf(err) {
	case transport.KindModelNotFound:
		return http.StatusNotFound
	case transport.KindTimeout:
		return http.StatusGatewayTimeout
	case transport.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("chat request failed", zap.Error(err))
	}
	writeError(w, status, errorKind(err), err.Error())
}

// decodeBody decodes a JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}
