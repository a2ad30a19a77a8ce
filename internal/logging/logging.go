// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zap loggers used across ollama-chat.
//
// Interactive commands (chat, tui) write logs to a file so they never
// interleave with streamed answers; serve logs to stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and destination.
type Options struct {
	// Level is debug, info, warn or error (default "info").
	Level string
	// Format is json or console (default "console").
	Format string
	// Outputs are zap sink URLs or file paths (default stderr).
	Outputs []string
}

// Logger pairs a logger with its adjustable level.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a configured zap logger.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch opts.Format {
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.Development = false
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", opts.Format)
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > zapcore.DebugLevel
	cfg.Sampling = nil

	if len(opts.Outputs) > 0 {
		for _, out := range opts.Outputs {
			if err := ensureDir(out); err != nil {
				return nil, err
			}
		}
		cfg.OutputPaths = opts.Outputs
		cfg.ErrorOutputPaths = opts.Outputs
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{Logger: logger, level: cfg.Level}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// ParseLevel parses a level name; the empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// SetLevel changes the level at runtime (config hot reload).
func (l *Logger) SetLevel(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	l.level.SetLevel(level)
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// ensureDir creates the parent directory of file outputs.
func ensureDir(out string) error {
	switch out {
	case "stdout", "stderr":
		return nil
	}
	out = strings.TrimPrefix(out, "file://")
	if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}
