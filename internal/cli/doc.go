// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli parses the command line and runs the ollama-chat commands.
//
// # Commands
//
//   - chat (default): line-editing REPL with slash commands
//   - tui: full-screen chat
//   - ask: one question, streamed or not, optionally from stdin
//   - models: models of the active provider
//   - serve: local HTTP/websocket bridge with config hot reload
//   - history: saved conversations (list, show, search, delete, export)
//   - config: show, init, path, get, set, keys
//   - version
//
// Commands return errors; main prints them with DisplayError and exits with
// GetExitCode.
package cli
