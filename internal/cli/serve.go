// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Run the local HTTP/websocket bridge.

package cli

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/metrics"
	"github.com/jeranaias/ollama-chat/internal/server"
)

const shutdownTimeout = 10 * time.Second

// HandleServe handles the "serve" command. It runs until ctx is cancelled
// and reloads the config file when it changes.
func HandleServe(ctx context.Context, args Args) error {
	m := metrics.New()
	env, err := NewEnv(args, true, m)
	if err != nil {
		return err
	}
	defer env.Close()

	cfg := env.Config
	if args.Port != 0 {
		cfg.Server.Port = args.Port
	}
	logger := env.Logger.Logger

	opts := server.Options{
		Addr:           cfg.Server.Addr(),
		Version:        Version,
		Session:        env.Session,
		Metrics:        m,
		Logger:         logger,
		RateLimit:      cfg.Server.RateLimit,
		Burst:          cfg.Server.Burst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.History.Enabled {
		store, err := env.Store(ctx)
		if err != nil {
			logger.Warn("history store unavailable, conversation routes disabled", zap.Error(err))
		} else {
			opts.Store = store
		}
	}

	config.Watch(ctx, env.ConfigPath,
		func(next *config.Config) {
			if err := applyOverrides(next, args); err != nil {
				logger.Warn("ignoring reloaded config", zap.Error(err))
				return
			}
			env.Session.Reconfigure(next, logger, m)
			if err := env.Logger.SetLevel(next.Log.Level); err != nil {
				logger.Warn("invalid log level in reloaded config", zap.Error(err))
			}
			logger.Info("config reloaded", zap.String("path", env.ConfigPath))
		},
		func(err error) {
			logger.Warn("config watch", zap.Error(err))
		})

	srv := server.New(opts)
	logger.Info("serving",
		zap.String("addr", opts.Addr),
		zap.Stringer("provider", env.Session.Kind()),
		zap.String("model", env.Session.Model()))
	return srv.ListenAndServe(ctx, shutdownTimeout)
}
