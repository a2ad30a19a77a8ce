// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive REPL for ollama-chat.
//
// Answers stream to the terminal as they arrive. Ctrl-C while an answer is
// streaming cancels it; Ctrl-C or Ctrl-D at the prompt exits.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/ui/styles"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// =============================================================================
// LINE EDITING
// =============================================================================

// lineReader reads one line of input. *liner.State satisfies it.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads the saved input history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// Prompt reads a line and records non-empty input in the history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the input history (owner-only) and restores the terminal.
func (c *ChatCLI) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// repl runs the read-send-print loop against env's session.
type repl struct {
	env   *Env
	in    lineReader
	turns int
	start time.Time
}

// HandleChat handles the default "chat" command.
func HandleChat(ctx context.Context, args Args) error {
	env, err := NewEnv(args, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	input := NewChatCLI()
	defer input.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Ctrl-C while an answer streams cancels it; at the prompt liner
	// reports it as ErrPromptAborted instead.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go forwardInterrupts(ctx, sigChan, func() { env.Session.Cancel() })

	r := &repl{env: env, in: input}
	return r.run(ctx)
}

// forwardInterrupts calls cancel for every signal received until ctx is done.
func forwardInterrupts(ctx context.Context, sigs <-chan os.Signal, cancel func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			cancel()
		}
	}
}

func (r *repl) run(ctx context.Context) error {
	r.start = time.Now()
	if !r.env.Args.Quiet {
		r.printWelcome()
	}

	for {
		input, err := r.in.Prompt(PromptStyle.Render("chat> "))
		if err != nil {
			// Ctrl-C (liner.ErrPromptAborted) or Ctrl-D at the prompt
			fmt.Fprintln(r.env.Out)
			r.printExitSummary()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := r.handleSlashCommand(ctx, input)
			if err != nil {
				fmt.Fprintln(r.env.ErrOut, styles.RenderError(err.Error()))
			}
			if !cont {
				r.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			r.printExitSummary()
			return nil
		}

		r.send(ctx, input)
	}
}

// send runs one turn, printing fragments as they arrive.
func (r *repl) send(ctx context.Context, text string) {
	out := r.env.Out
	fmt.Fprintln(out)

	start := time.Now()
	_, err := r.env.Session.Send(ctx, text, func(fragment string) {
		fmt.Fprint(out, fragment)
	})
	fmt.Fprintln(out)

	switch provider.Outcome(err) {
	case stream.SignalCompleted:
		r.turns++
		if !r.env.Args.Quiet {
			fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("[%s | %s]", r.env.Session.Model(), formatDurationShort(time.Since(start)))))
		}
	case stream.SignalCancelled:
		fmt.Fprintln(out, WarningStyle.Render("[Cancelled]"))
	default:
		r.env.Logger.Warn("chat turn failed", zap.Error(err))
		if errors.Is(err, provider.ErrEmptyPrompt) {
			fmt.Fprintln(r.env.ErrOut, styles.RenderError(err.Error()))
		}
	}
	fmt.Fprintln(out)
}

// handleSlashCommand runs a /command. It returns false when the REPL
// should exit.
func (r *repl) handleSlashCommand(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]
	out := r.env.Out
	session := r.env.Session

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()

	case "/quit", "/q", "/exit":
		return false, nil

	case "/clear", "/c":
		session.Reset()
		fmt.Fprintln(out, styles.RenderInfo("Conversation cleared"))

	case "/models":
		models, err := session.RefreshModels(ctx)
		if err != nil {
			return true, err
		}
		current := session.Model()
		for _, m := range models {
			marker := "  "
			if m.Name == current {
				marker = "* "
			}
			fmt.Fprintf(out, "%s%s %s\n", marker, util.PadRight(m.Name, 40), DimStyle.Render(m.FormatSize()))
		}
		if len(models) == 0 {
			fmt.Fprintln(out, DimStyle.Render("No models available."))
		}

	case "/model", "/m":
		if len(args) == 0 {
			fmt.Fprintf(out, "Current model: %s\n", ValueStyle.Render(session.Model()))
			return true, nil
		}
		if err := session.SetModel(args[0]); err != nil {
			return true, err
		}
		if models, err := session.ListModels(ctx); err == nil {
			if _, ok := chat.FindModel(models, args[0]); !ok {
				fmt.Fprintln(r.env.ErrOut, styles.RenderWarning(
					fmt.Sprintf("model %q is not in the %s model list", args[0], session.Kind())))
			}
		}
		fmt.Fprintln(out, styles.RenderSuccess("Switched to model: "+args[0]))

	case "/provider", "/p":
		if len(args) == 0 {
			kind := session.Kind()
			fmt.Fprintf(out, "Current provider: %s\n", ProviderStyle(kind.String()).Render(kind.Label()))
			return true, nil
		}
		kind, err := provider.ParseKind(args[0])
		if err != nil {
			return true, NewValidationErrorWithExample("provider", args[0], "must be local or cloud", "/provider cloud")
		}
		if err := session.SetKind(kind); err != nil {
			return true, err
		}
		fmt.Fprintln(out, styles.RenderSuccess(fmt.Sprintf("Switched to %s (%s)", kind.Label(), session.Model())))

	case "/save":
		id, err := r.env.saveConversation(ctx)
		if err != nil {
			return true, err
		}
		fmt.Fprintln(out, styles.RenderSuccess("Saved as "+storage.ShortID(id)))

	case "/history":
		store, err := r.env.Store(ctx)
		if err != nil {
			return true, err
		}
		metas, err := store.List(ctx, 10)
		if err != nil {
			return true, err
		}
		fmt.Fprint(out, storage.FormatList(metas))
		if len(metas) == 0 {
			fmt.Fprintln(out)
		}

	case "/load":
		if len(args) == 0 {
			return true, ErrMissingArgument("id", "/load 3f2a")
		}
		store, err := r.env.Store(ctx)
		if err != nil {
			return true, err
		}
		conv, err := store.Load(ctx, args[0])
		if err != nil {
			return true, err
		}
		if err := session.SetHistory(conv.Messages); err != nil {
			return true, err
		}
		fmt.Fprintln(out, styles.RenderSuccess(fmt.Sprintf("Loaded %q (%d messages)", conv.Title, len(conv.Messages))))

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func (r *repl) printWelcome() {
	out := r.env.Out
	kind := r.env.Session.Kind()
	fmt.Fprintln(out)
	fmt.Fprintln(out, TitleStyle.Render("ollama-chat"))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Provider:", 10), ProviderStyle(kind.String()).Render(kind.Label()))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Model:", 10), ValueStyle.Render(r.env.Session.Model()))
	fmt.Fprintln(out, DimStyle.Render("Type /help for commands, Ctrl-C cancels an answer, Ctrl-D exits."))
	fmt.Fprintln(out)
}

func (r *repl) printHelp() {
	out := r.env.Out
	fmt.Fprintln(out, TitleStyle.Render("Commands"))
	for _, c := range [][2]string{
		{"/help", "Show this help"},
		{"/models", "List models of the active provider"},
		{"/model [name]", "Show or switch the model"},
		{"/provider [kind]", "Show or switch provider (local, cloud)"},
		{"/clear", "Start a new conversation"},
		{"/save", "Save the conversation to history"},
		{"/history", "List saved conversations"},
		{"/load <id>", "Load a saved conversation"},
		{"/quit", "Exit"},
	} {
		fmt.Fprintf(out, "  %s%s\n", RenderLabel(c[0], 20), c[1])
	}
}

func (r *repl) printExitSummary() {
	if r.env.Args.Quiet {
		return
	}
	fmt.Fprintln(r.env.Out, DimStyle.Render(fmt.Sprintf("%d answers in %s. Goodbye.",
		r.turns, formatDurationShort(time.Since(r.start).Round(time.Second)))))
}
