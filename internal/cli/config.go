// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Subcommands:
//
//	show (default)      Display the effective configuration, secrets masked
//	init [--force]      Write a default config file
//	path                Show the config file location
//	get <key>           Print one value, e.g. local.model
//	set <key> <value>   Set one value in the config file
//	keys                List settable keys
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jeranaias/ollama-chat/internal/config"
	"github.com/jeranaias/ollama-chat/internal/ui/styles"
)

// HandleConfig handles the "config" command. It does not need a working
// backend, so it reads the config directly instead of building an Env.
func HandleConfig(_ context.Context, args Args) error {
	path := args.ConfigPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	return runConfig(os.Stdout, args, path)
}

func runConfig(w io.Writer, args Args, path string) error {
	switch args.Subcommand {
	case "", "show":
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if args.JSON {
			return writeJSONTo(w, cfg.Redacted())
		}
		if !args.Quiet {
			fmt.Fprintln(w, DimStyle.Render("# "+path))
		}
		fmt.Fprint(w, cfg.String())
		return nil

	case "path":
		if args.JSON {
			return writeJSONTo(w, map[string]string{"path": path})
		}
		fmt.Fprintln(w, path)
		return nil

	case "init":
		if _, err := os.Stat(path); err == nil && !args.Force {
			return NewCommandError("config", "init", path+" exists (use --force to overwrite)", nil)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return NewCommandError("config", "init", "could not create config directory", err)
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		fmt.Fprintln(w, styles.RenderSuccess("Wrote "+path))
		return nil

	case "get":
		if len(args.Raw) == 0 {
			return ErrMissingArgument("key", "ollama-chat config get local.model")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		v, err := cfg.Redacted().Get(args.Raw[0])
		if err != nil {
			return NewValidationErrorWithExample("key", args.Raw[0], err.Error(), "ollama-chat config keys")
		}
		if args.JSON {
			return writeJSONTo(w, map[string]any{args.Raw[0]: v})
		}
		fmt.Fprintln(w, v)
		return nil

	case "set":
		if len(args.Raw) < 2 {
			return ErrMissingArgument("key and value", "ollama-chat config set local.model qwen2.5-coder:7b")
		}
		key, value := args.Raw[0], args.Raw[1]
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		if err := cfg.Set(key, value); err != nil {
			return NewValidationErrorWithExample("key", key, err.Error(), "ollama-chat config keys")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return NewCommandError("config", "set", "could not create config directory", err)
		}
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		shown := value
		if key == "cloud.api_key" {
			shown = "[REDACTED]"
		}
		fmt.Fprintln(w, styles.RenderSuccess(key+" = "+shown))
		return nil

	case "keys":
		keys := config.Keys()
		if args.JSON {
			return writeJSONTo(w, keys)
		}
		for _, k := range keys {
			fmt.Fprintln(w, k)
		}
		return nil

	default:
		return NewValidationErrorWithExample("subcommand", args.Subcommand,
			"must be show, init, path, get, set or keys", "ollama-chat config show")
	}
}
