// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command dispatch for ollama-chat.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdTUI
	CmdAsk
	CmdModels
	CmdServe
	CmdHistory
	CmdConfig
	CmdVersion
	CmdHelp
)

func (c Command) String() string {
	switch c {
	case CmdChat:
		return "chat"
	case CmdTUI:
		return "tui"
	case CmdAsk:
		return "ask"
	case CmdModels:
		return "models"
	case CmdServe:
		return "serve"
	case CmdHistory:
		return "history"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	Provider   string
	Model      string
	LogLevel   string
	Quiet      bool
	JSON       bool

	// Command-specific
	Query      string
	NoStream   bool
	Port       int
	Limit      int
	Force      bool
	Subcommand string

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `ollama-chat - chat with a local Ollama model or a cloud model

Usage:
  ollama-chat                        Interactive chat (default)
  ollama-chat chat                   Interactive chat
  ollama-chat tui                    Full-screen chat
  ollama-chat ask [--no-stream] "q"  Ask a single question
  ollama-chat models                 List models of the active provider
  ollama-chat serve [--port N]       Run the local HTTP/websocket bridge
  ollama-chat history [list|show <id>|search <q>|delete <id>|export <id>]
  ollama-chat config [show|init|path|get <key>|set <key> <value>]
  ollama-chat version                Show version

Global flags:
  --config PATH         Config file (default ~/.ollama-chat/config.toml)
  --provider KIND       local or cloud
  --model NAME          Model for the active provider
  --log-level LEVEL     debug, info, warn or error
  -q, --quiet           Minimal output
  --json                JSON output (models, history, version)

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "ollama-chat version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses command-line arguments (without the program name).
func Parse(argv []string) (Command, Args, error) {
	remaining, args, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdHelp, args, err
	}

	if len(remaining) == 0 {
		return CmdChat, args, nil
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	args.Raw = remaining

	switch cmd {
	case "chat":
		return CmdChat, args, nil
	case "tui":
		return CmdTUI, args, nil
	case "ask":
		return CmdAsk, args, parseAskArgs(&args, remaining)
	case "models", "list":
		return CmdModels, args, nil
	case "serve":
		return CmdServe, args, parseServeArgs(&args, remaining)
	case "history":
		return CmdHistory, args, parseSubcommandArgs(&args, remaining)
	case "config":
		return CmdConfig, args, parseSubcommandArgs(&args, remaining)
	case "version", "--version", "-V":
		return CmdVersion, args, nil
	case "help", "--help", "-h":
		return CmdHelp, args, nil
	default:
		return CmdHelp, args, NewValidationErrorWithExample("command", cmd, "unknown command", "ollama-chat help")
	}
}

// parseGlobalFlags extracts global flags from anywhere in argv.
func parseGlobalFlags(argv []string) ([]string, Args, error) {
	var remaining []string
	var args Args

	valueFlags := map[string]*string{
		"--config":    &args.ConfigPath,
		"--provider":  &args.Provider,
		"--model":     &args.Model,
		"-m":          &args.Model,
		"--log-level": &args.LogLevel,
	}

	for i := 0; i < len(argv); i++ {
		arg := argv[i]

		switch arg {
		case "-q", "--quiet":
			args.Quiet = true
			continue
		case "--json":
			args.JSON = true
			continue
		case "--":
			remaining = append(remaining, argv[i+1:]...)
			return remaining, args, nil
		}

		name, value, hasValue := strings.Cut(arg, "=")
		dst, ok := valueFlags[name]
		if !ok {
			remaining = append(remaining, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(argv) {
				return nil, args, ErrMissingArgument(name, name+" VALUE")
			}
			i++
			value = argv[i]
		}
		*dst = value
	}
	return remaining, args, nil
}

// parseAskArgs parses ask command specific arguments.
func parseAskArgs(args *Args, remaining []string) error {
	var query []string
	for _, arg := range remaining {
		switch arg {
		case "--no-stream":
			args.NoStream = true
		default:
			if strings.HasPrefix(arg, "--") {
				return NewValidationError("flag", arg, "unknown flag for ask")
			}
			query = append(query, arg)
		}
	}
	args.Query = strings.Join(query, " ")
	return nil
}

// parseServeArgs parses serve command specific arguments.
func parseServeArgs(args *Args, remaining []string) error {
	p := NewArgParser(remaining)
	if v := p.Flag("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return NewValidationErrorWithExample("port", v, "must be between 1 and 65535", "ollama-chat serve --port 8787")
		}
		args.Port = port
	}
	return nil
}

// parseSubcommandArgs parses "<subcommand> [args...] [--limit N] [--force]".
func parseSubcommandArgs(args *Args, remaining []string) error {
	p := NewArgParser(remaining, "force")
	args.Subcommand = p.Subcommand()
	args.Raw = p.PositionalFrom(1)
	args.Force = p.BoolFlag("force")
	if v := p.Flag("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return NewValidationError("limit", v, "must be a positive integer")
		}
		args.Limit = n
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

// Run executes cmd. Interactive commands manage Ctrl-C themselves; the
// others stop on SIGINT/SIGTERM.
func Run(cmd Command, args Args) error {
	switch cmd {
	case CmdChat:
		return HandleChat(context.Background(), args)
	case CmdTUI:
		return HandleTUI(context.Background(), args)
	case CmdVersion:
		return HandleVersion(args, os.Stdout)
	case CmdHelp:
		PrintUsage(os.Stdout)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CmdAsk:
		return HandleAsk(ctx, args)
	case CmdModels:
		return HandleModels(ctx, args)
	case CmdServe:
		return HandleServe(ctx, args)
	case CmdHistory:
		return HandleHistory(ctx, args)
	case CmdConfig:
		return HandleConfig(ctx, args)
	default:
		PrintUsage(os.Stdout)
		return nil
	}
}

// VersionData is the JSON form of `version`.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args, w io.Writer) error {
	if args.JSON {
		return writeJSONTo(w, VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		})
	}
	PrintVersion(w)
	return nil
}
