// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider holds the chat Session: which backend is active, which
// model it uses, the conversation history and the single in-flight request.
//
// Front-ends (REPL, TUI, HTTP bridge) share this one object instead of
// global state. Requests are dispatched on Kind to the local Ollama client
// or the cloud client.
//
// # Usage
//
//	sess, err := provider.FromConfig(cfg, logger, metrics)
//	reply, err := sess.Send(ctx, "hello", func(s string) { fmt.Print(s) })
//	switch provider.Outcome(err) {
//	case stream.SignalCancelled:
//	    // interrupted by the user
//	}
package provider
