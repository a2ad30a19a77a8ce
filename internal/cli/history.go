// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history.go - Saved conversation commands.
//
// Usage:
//
//	ollama-chat history [list] [--limit N]
//	ollama-chat history show <id>
//	ollama-chat history search <query>
//	ollama-chat history delete <id>
//	ollama-chat history export <id> [file.md]

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/ui/styles"
	"github.com/jeranaias/ollama-chat/internal/util"
)

const defaultHistoryLimit = 20

// HandleHistory handles the "history" command.
func HandleHistory(ctx context.Context, args Args) error {
	env, err := NewEnv(args, false, nil)
	if err != nil {
		return err
	}
	defer env.Close()
	return runHistory(ctx, env)
}

func runHistory(ctx context.Context, env *Env) error {
	store, err := env.Store(ctx)
	if err != nil {
		return err
	}
	args := env.Args

	switch args.Subcommand {
	case "", "list", "ls":
		limit := args.Limit
		if limit == 0 {
			limit = defaultHistoryLimit
		}
		metas, err := store.List(ctx, limit)
		if err != nil {
			return err
		}
		return printMetas(env, metas)

	case "search", "find":
		if len(args.Raw) == 0 {
			return ErrMissingArgument("query", "ollama-chat history search golang")
		}
		metas, err := store.Search(ctx, strings.Join(args.Raw, " "))
		if err != nil {
			return err
		}
		return printMetas(env, metas)

	case "show", "view":
		conv, err := loadArg(ctx, store, args, "ollama-chat history show 3f2a")
		if err != nil {
			return err
		}
		if args.JSON {
			return writeJSONTo(env.Out, conv)
		}
		printConversation(env, conv)
		return nil

	case "delete", "rm":
		if len(args.Raw) == 0 {
			return ErrMissingArgument("id", "ollama-chat history delete 3f2a")
		}
		conv, err := store.Load(ctx, args.Raw[0])
		if err != nil {
			return err
		}
		if err := store.Delete(ctx, conv.ID); err != nil {
			return err
		}
		if args.JSON {
			return writeJSONTo(env.Out, map[string]any{"deleted": conv.ID})
		}
		fmt.Fprintln(env.Out, styles.RenderSuccess(fmt.Sprintf("Deleted %s %q", storage.ShortID(conv.ID), conv.Title)))
		return nil

	case "export":
		conv, err := loadArg(ctx, store, args, "ollama-chat history export 3f2a notes.md")
		if err != nil {
			return err
		}
		md := conv.ExportMarkdown()
		if len(args.Raw) < 2 {
			fmt.Fprint(env.Out, md)
			return nil
		}
		path, err := ValidateOutputPath(args.Raw[1])
		if err != nil {
			return NewValidationError("path", args.Raw[1], err.Error())
		}
		if _, err := os.Stat(path); err == nil && !args.Force {
			return NewCommandError("history", "export", path+" exists (use --force to overwrite)", nil)
		}
		if err := util.AtomicWriteFile(path, []byte(md), 0600); err != nil {
			return NewCommandError("history", "export", "could not write file", err)
		}
		fmt.Fprintln(env.Out, styles.RenderSuccess("Exported to "+path))
		return nil

	default:
		return NewValidationErrorWithExample("subcommand", args.Subcommand,
			"must be list, show, search, delete or export", "ollama-chat history list")
	}
}

func loadArg(ctx context.Context, store *storage.ConversationStore, args Args, example string) (*storage.StoredConversation, error) {
	if len(args.Raw) == 0 {
		return nil, ErrMissingArgument("id", example)
	}
	return store.Load(ctx, args.Raw[0])
}

func printMetas(env *Env, metas []storage.ConversationMeta) error {
	if env.Args.JSON {
		if metas == nil {
			metas = []storage.ConversationMeta{}
		}
		return writeJSONTo(env.Out, metas)
	}
	out := storage.FormatList(metas)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	fmt.Fprint(env.Out, out)
	return nil
}

func printConversation(env *Env, conv *storage.StoredConversation) {
	out := env.Out
	fmt.Fprintln(out, TitleStyle.Render(conv.Title))
	fmt.Fprintf(out, "%s%s\n", RenderLabel("ID:", 12), conv.ID)
	fmt.Fprintf(out, "%s%s (%s)\n", RenderLabel("Model:", 12), conv.Model, conv.Provider)
	fmt.Fprintf(out, "%s%s\n", RenderLabel("Updated:", 12), formatWhen(conv.UpdatedAt))
	fmt.Fprintln(out, RenderSeparator())
	width := GetTerminalWidth()
	for _, m := range conv.Messages {
		style := ValueStyle
		if m.Role == chat.RoleAssistant {
			style = AssistantStyle
		}
		fmt.Fprintln(out, style.Bold(true).Render(m.Role.Label()+":"))
		fmt.Fprintln(out, WrapText(m.Content, width))
		fmt.Fprintln(out)
	}
}
