// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Usage:
//
//	ollama-chat ask "What is a goroutine?"
//	echo "Explain this" | ollama-chat ask
//	ollama-chat ask --no-stream "Summarize RFC 2119"
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jeranaias/ollama-chat/internal/chat"
)

// AskResult is the JSON form of an answer.
type AskResult struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Answer     string `json:"answer"`
	DurationMs int64  `json:"duration_ms"`
}

// HandleAsk handles the "ask" command.
func HandleAsk(ctx context.Context, args Args) error {
	question := args.Query
	if question == "" && !IsTTY() {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return NewCommandError("ask", "read", "could not read stdin", err)
		}
		question = strings.TrimSpace(string(data))
	}
	if question == "" {
		return ErrMissingArgument("question", `ollama-chat ask "your question"`)
	}

	env, err := NewEnv(args, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	markdown := env.Config.UI.Markdown && IsStdoutTTY()
	return runAsk(ctx, env, question, markdown)
}

// runAsk sends question as a fresh conversation. Streamed answers are
// printed live unless they will be rendered as markdown at the end.
func runAsk(ctx context.Context, env *Env, question string, markdown bool) error {
	args := env.Args
	messages := []chat.Message{chat.User(question)}
	if sp := env.Config.Provider.SystemPrompt; sp != "" {
		messages = append([]chat.Message{chat.System(sp)}, messages...)
	}

	live := !args.JSON && !markdown && !args.NoStream
	start := time.Now()

	var answer string
	err := env.Session.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		if args.NoStream {
			answer, err = env.Session.Complete(ctx, "", messages)
			return err
		}
		answer, err = env.Session.Chat(ctx, "", messages, func(fragment string) {
			if live {
				fmt.Fprint(env.Out, fragment)
			}
		})
		return err
	})
	if live {
		fmt.Fprintln(env.Out)
	}
	if err != nil {
		return err
	}

	switch {
	case args.JSON:
		return writeJSONTo(env.Out, AskResult{
			Provider:   env.Session.Kind().String(),
			Model:      env.Session.Model(),
			Answer:     answer,
			DurationMs: time.Since(start).Milliseconds(),
		})
	case markdown:
		fmt.Fprint(env.Out, renderMarkdown(answer, GetTerminalWidth()))
	case !live:
		fmt.Fprintln(env.Out, answer)
	}

	if !args.Quiet && !args.JSON {
		fmt.Fprintln(env.ErrOut, DimStyle.Render(fmt.Sprintf("[%s | %s]", env.Session.Model(), formatDurationShort(time.Since(start)))))
	}
	return nil
}
