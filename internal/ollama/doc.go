// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama talks to a locally running Ollama server.
//
// Chat calls go through Ollama's OpenAI-compatible endpoint
// (/v1/chat/completions) via the transport package; model listing uses the
// native /api/tags endpoint because it reports model sizes.
//
// # Key Types
//
//   - Client: health checks, auto-start, model listing and chat
//   - ClientConfig: base URL, timeouts and generation defaults
//
// # Usage
//
//	client := ollama.NewClient(nil)
//	if err := client.EnsureRunning(ctx); err != nil {
//	    return err
//	}
//	text, err := client.Chat(ctx, "llama3.2", messages, func(s string) {
//	    fmt.Print(s)
//	})
package ollama
