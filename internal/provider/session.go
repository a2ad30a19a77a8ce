// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/cloud"
	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/ollama"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// ErrEmptyPrompt is returned by Send for blank input.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Backend is one chat provider. *ollama.Client and *cloud.Client implement it.
type Backend interface {
	Chat(ctx context.Context, model string, messages []chat.Message, sink stream.Sink) (string, error)
	Complete(ctx context.Context, model string, messages []chat.Message) (string, error)
	ListModels(ctx context.Context) ([]chat.Model, error)
}

// starter is implemented by backends that can launch their server.
type starter interface {
	EnsureRunning(ctx context.Context) error
}

// Options configures a Session.
type Options struct {
	Kind         Kind
	LocalModel   string
	CloudModel   string
	SystemPrompt string
	// AutoStart launches the local server before the first local request.
	AutoStart bool
	Logger    *zap.Logger
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the single interactive conversation of a process: the active
// provider and model, the message history and the in-flight request.
//
// Only one Send runs at a time. Starting a new Send cancels the previous
// one, and Cancel aborts whichever is active. Session is safe for concurrent
// use.
type Session struct {
	mu sync.Mutex

	local  Backend
	cloud  Backend
	kind   Kind
	models map[Kind]string
	system string

	autoStart bool
	started   bool

	history []chat.Message

	// Model list cache for the current kind
	cached    []chat.Model
	cachedFor Kind

	// In-flight request
	cancel context.CancelFunc
	gen    uint64
	sendMu sync.Mutex

	logger *zap.Logger
}

// NewSession creates a session over the given backends. Either may be nil
// if that provider is unavailable.
func NewSession(local, cloud Backend, opts Options) *Session {
	if opts.Kind == "" {
		opts.Kind = KindLocal
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		local: local,
		cloud: cloud,
		kind:  opts.Kind,
		models: map[Kind]string{
			KindLocal: opts.LocalModel,
			KindCloud: opts.CloudModel,
		},
		system:    opts.SystemPrompt,
		autoStart: opts.AutoStart,
		logger:    opts.Logger.Named("session"),
	}
}

// FromConfig builds both backends from configuration.
func FromConfig(cfg *config.Config, logger *zap.Logger, observer transport.Observer) (*Session, error) {
	kind, err := ParseKind(cfg.Provider.Kind)
	if err != nil {
		return nil, err
	}
	local, cloudClient := backends(cfg, logger, observer)
	return NewSession(local, cloudClient, Options{
		Kind:         kind,
		LocalModel:   cfg.Local.Model,
		CloudModel:   cfg.Cloud.Model,
		SystemPrompt: cfg.Provider.SystemPrompt,
		AutoStart:    cfg.Local.AutoStart,
		Logger:       logger,
	}), nil
}

func backends(cfg *config.Config, logger *zap.Logger, observer transport.Observer) (*ollama.Client, *cloud.Client) {
	local := ollama.NewClient(&ollama.ClientConfig{
		BaseURL:     cfg.Local.URL,
		Timeout:     cfg.Generation.Timeout(),
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		MaxRetries:  cfg.Generation.MaxRetries,
		Logger:      logger,
		Observer:    observer,
	})
	cloudClient := cloud.NewClient(&cloud.ClientConfig{
		BaseURL:     cfg.Cloud.BaseURL,
		APIKey:      cfg.Cloud.APIKey,
		Timeout:     cfg.Generation.Timeout(),
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
		MaxRetries:  cfg.Generation.MaxRetries,
		Logger:      logger,
		Observer:    observer,
	})
	return local, cloudClient
}

// Reconfigure swaps in backends built from a reloaded config. The history,
// the active kind and any in-flight request are kept; models and the system
// prompt follow the new config.
func (s *Session) Reconfigure(cfg *config.Config, logger *zap.Logger, observer transport.Observer) {
	local, cloudClient := backends(cfg, logger, observer)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = local
	s.cloud = cloudClient
	s.models[KindLocal] = cfg.Local.Model
	s.models[KindCloud] = cfg.Cloud.Model
	s.system = cfg.Provider.SystemPrompt
	s.autoStart = cfg.Local.AutoStart
	s.started = false
	s.cached = nil
	s.logger.Info("session reconfigured", zap.String("local_url", cfg.Local.URL))
}

// =============================================================================
// PROVIDER AND MODEL
// =============================================================================

// Kind returns the active provider.
func (s *Session) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// SetKind switches provider. The cached model list is dropped.
func (s *Session) SetKind(kind Kind) error {
	switch kind {
	case KindLocal, KindCloud:
	default:
		return fmt.Errorf("unknown provider %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != kind {
		s.logger.Info("provider switched", zap.Stringer("from", s.kind), zap.Stringer("to", kind))
	}
	s.kind = kind
	s.cached = nil
	return nil
}

// Model returns the model of the active provider.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models[s.kind]
}

// SetModel sets the model of the active provider.
func (s *Session) SetModel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("model name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[s.kind] = name
	return nil
}

// backend returns the backend for kind, or an error when it is missing.
func (s *Session) backend(kind Kind) (Backend, error) {
	var b Backend
	switch kind {
	case KindLocal:
		b = s.local
	case KindCloud:
		b = s.cloud
	}
	if b == nil {
		return nil, &transport.Error{Kind: transport.KindBackendUnavailable, Message: fmt.Sprintf("%s provider is not configured", kind)}
	}
	return b, nil
}

// active snapshots what a request needs under the lock.
func (s *Session) active(model string) (Backend, Kind, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.backend(s.kind)
	if err != nil {
		return nil, s.kind, "", err
	}
	if model == "" {
		model = s.models[s.kind]
	}
	return b, s.kind, model, nil
}

// ensureStarted launches the local server once per configuration.
func (s *Session) ensureStarted(ctx context.Context, kind Kind, b Backend) error {
	if kind != KindLocal {
		return nil
	}
	st, ok := b.(starter)
	if !ok {
		return nil
	}
	s.mu.Lock()
	need := s.autoStart && !s.started
	s.mu.Unlock()
	if !need {
		return nil
	}
	if err := st.EnsureRunning(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// =============================================================================
// CHAT
// =============================================================================

// Chat streams a completion for messages from the active provider. An empty
// model means the session's model. History is not touched.
func (s *Session) Chat(ctx context.Context, model string, messages []chat.Message, onChunk stream.Sink) (string, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	b, kind, model, err := s.active(model)
	if err != nil {
		notify(err, onChunk)
		return "", err
	}
	if err := s.ensureStarted(ctx, kind, b); err != nil {
		notify(err, onChunk)
		return "", err
	}
	return b.Chat(ctx, model, messages, onChunk)
}

// notify reports failures that happen before the backend is reached the
// same way the transport reports its own. Cancellation is silent.
func notify(err error, sink stream.Sink) {
	if errors.Is(err, context.Canceled) {
		return
	}
	transport.Notify(err, sink)
}

// Complete performs a non-streaming completion from the active provider.
func (s *Session) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	b, kind, model, err := s.active(model)
	if err != nil {
		return "", err
	}
	if err := s.ensureStarted(ctx, kind, b); err != nil {
		return "", err
	}
	return b.Complete(ctx, model, messages)
}

// ListModels returns the active provider's models. Results are cached until
// the provider changes; use RefreshModels to force a fetch.
func (s *Session) ListModels(ctx context.Context) ([]chat.Model, error) {
	s.mu.Lock()
	if s.cached != nil && s.cachedFor == s.kind {
		models := append([]chat.Model(nil), s.cached...)
		s.mu.Unlock()
		return models, nil
	}
	s.mu.Unlock()
	return s.RefreshModels(ctx)
}

// RefreshModels fetches the active provider's models and updates the cache.
func (s *Session) RefreshModels(ctx context.Context) ([]chat.Model, error) {
	b, kind, _, err := s.active("")
	if err != nil {
		return nil, err
	}
	if err := s.ensureStarted(ctx, kind, b); err != nil {
		return nil, err
	}
	models, err := b.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.kind == kind {
		s.cached = append([]chat.Model(nil), models...)
		s.cachedFor = kind
	}
	s.mu.Unlock()
	return models, nil
}

// Exclusive runs fn as the session's single in-flight request. Any active
// request is cancelled first, and Cancel aborts fn's context. A call that is
// superseded by a newer one before fn starts returns context.Canceled
// without running fn.
func (s *Session) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return context.Canceled
	}
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
	return fn(ctx)
}

// Send runs one conversation turn: text is appended as a user message, the
// whole history is sent, and the reply is appended on success. A failed or
// cancelled turn leaves no trace in the history. Send is Exclusive.
func (s *Session) Send(ctx context.Context, text string, onChunk stream.Sink) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyPrompt
	}

	var reply string
	err := s.Exclusive(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		s.history = append(s.history, chat.User(text))
		turn := len(s.history) - 1
		messages := s.messagesLocked()
		s.mu.Unlock()

		start := time.Now()
		var err error
		reply, err = s.Chat(ctx, "", messages, onChunk)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			// Reset may have run meanwhile
			if turn < len(s.history) {
				s.history = s.history[:turn]
			}
			s.logger.Debug("turn dropped",
				zap.Stringer("signal", Outcome(err)),
				zap.Error(err))
			return err
		}
		if turn < len(s.history) {
			s.history = append(s.history[:turn+1], chat.Assistant(reply))
		}
		s.logger.Debug("turn complete",
			zap.Int("history", len(s.history)),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	})
	return reply, err
}

// messagesLocked returns the request messages: system prompt then history.
func (s *Session) messagesLocked() []chat.Message {
	messages := make([]chat.Message, 0, len(s.history)+1)
	if s.system != "" {
		messages = append(messages, chat.System(s.system))
	}
	return append(messages, s.history...)
}

// Cancel aborts the in-flight request, if any. It reports whether a request
// was active.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// Busy reports whether a request is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// =============================================================================
// HISTORY
// =============================================================================

// History returns a copy of the conversation so far.
func (s *Session) History() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.Clone(s.history)
}

// SetHistory replaces the conversation (used when loading a transcript).
func (s *Session) SetHistory(messages []chat.Message) error {
	if err := chat.ValidateMessages(messages); err != nil && len(messages) > 0 {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = chat.Clone(messages)
	return nil
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// Outcome maps an error returned by Chat or Send to its completion signal.
func Outcome(err error) stream.Signal {
	return stream.SignalFor(err)
}
