// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// tui.go - Full-screen chat.

package cli

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	chatui "github.com/jeranaias/ollama-chat/internal/ui/chat"
)

// HandleTUI handles the "tui" command.
func HandleTUI(ctx context.Context, args Args) error {
	if !IsTTY() || !IsStdoutTTY() {
		return NewCommandError("tui", "start", "a terminal is required (use `ollama-chat ask` for pipes)", nil)
	}

	env, err := NewEnv(args, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	opts := chatui.Options{
		Session:  env.Session,
		Theme:    env.Config.UI.Theme,
		Markdown: env.Config.UI.Markdown,
		Logger:   env.Logger.Logger,
	}
	if env.Config.History.Enabled {
		opts.Save = env.saveConversation
	}

	p := tea.NewProgram(chatui.New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	env.Session.Cancel()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
