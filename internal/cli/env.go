// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// env.go - Per-command runtime: config, logger, session and history store.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/logging"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// Env is everything a command needs. Commands write to Out and ErrOut so
// tests can capture them.
type Env struct {
	Args       Args
	Config     *config.Config
	ConfigPath string
	Logger     *logging.Logger
	Session    *provider.Session

	Out    io.Writer
	ErrOut io.Writer

	storeOnce sync.Once
	store     *storage.ConversationStore
	storeErr  error
}

// NewEnv loads the config, applies the global flags and builds the logger
// and session. serverMode logs to stderr; interactive commands log to the
// log file so the terminal stays clean.
func NewEnv(args Args, serverMode bool, observer transport.Observer) (*Env, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, args); err != nil {
		return nil, err
	}

	logOpts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if !serverMode {
		path, err := cfg.LogPath()
		if err != nil {
			return nil, err
		}
		logOpts.Outputs = []string{path}
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return nil, NewCommandError("logging", "init", "could not create logger", err)
	}

	session, err := provider.FromConfig(cfg, logger.Logger, observer)
	if err != nil {
		return nil, err
	}
	logger.Debug("environment ready",
		zap.String("provider", cfg.Provider.Kind),
		zap.String("model", cfg.ActiveModel()))

	configPath := args.ConfigPath
	if configPath == "" {
		if configPath, err = config.ConfigPath(); err != nil {
			return nil, err
		}
	}

	return &Env{
		Args:       args,
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		Session:    session,
		Out:        os.Stdout,
		ErrOut:     os.Stderr,
	}, nil
}

// applyOverrides applies --provider, --model and --log-level on top of the
// loaded config.
func applyOverrides(cfg *config.Config, args Args) error {
	if args.Provider != "" {
		kind, err := provider.ParseKind(args.Provider)
		if err != nil {
			return NewValidationErrorWithExample("provider", args.Provider, "must be local or cloud", "--provider cloud")
		}
		cfg.Provider.Kind = kind.String()
	}
	if args.Model != "" {
		if cfg.Provider.Kind == provider.KindCloud.String() {
			cfg.Cloud.Model = args.Model
		} else {
			cfg.Local.Model = args.Model
		}
	}
	if args.LogLevel != "" {
		if _, err := logging.ParseLevel(args.LogLevel); err != nil {
			return NewValidationError("log-level", args.LogLevel, "must be debug, info, warn or error")
		}
		cfg.Log.Level = args.LogLevel
	}
	return nil
}

// Store opens the history store on first use. It fails when history is
// disabled in the config.
func (e *Env) Store(ctx context.Context) (*storage.ConversationStore, error) {
	e.storeOnce.Do(func() {
		if e.store != nil {
			return
		}
		if !e.Config.History.Enabled {
			e.storeErr = NewCommandError("history", "open", "history is disabled (history.enabled = false)", nil)
			return
		}
		path, err := e.Config.HistoryPath()
		if err != nil {
			e.storeErr = err
			return
		}
		if path != ":memory:" {
			if err := config.EnsureConfigDir(); err != nil {
				e.storeErr = err
				return
			}
		}
		e.store, e.storeErr = storage.Open(ctx, path)
		if e.storeErr == nil {
			e.Logger.Debug("history store opened", zap.String("path", path))
		}
	})
	return e.store, e.storeErr
}

// Close releases the store and flushes the logger.
func (e *Env) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.Logger.Warn("closing history store", zap.Error(err))
		}
	}
	_ = e.Logger.Sync()
}

// saveConversation persists the session history and returns the new ID.
func (e *Env) saveConversation(ctx context.Context) (string, error) {
	history := e.Session.History()
	if len(history) == 0 {
		return "", storage.ErrEmptyConversation
	}
	store, err := e.Store(ctx)
	if err != nil {
		return "", err
	}
	id, err := store.Save(ctx, &storage.StoredConversation{
		Provider: e.Session.Kind().String(),
		Model:    e.Session.Model(),
		Messages: history,
	})
	if err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}
	return id, nil
}
