// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides chat against a hosted OpenAI-compatible endpoint
// (OpenRouter by default).
//
// Requests are made by the transport package with a bearer API key. API keys
// are never logged; use KeyFingerprint to identify a key in logs.
//
// # Usage
//
//	client := cloud.NewClient(&cloud.ClientConfig{APIKey: key})
//	text, err := client.Chat(ctx, "openai/gpt-4o-mini", messages, sink)
package cloud
