// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the full-screen Bubble Tea chat of `ollama-chat tui`.
//
// A turn runs Session.Send in a tea.Cmd. Fragments land in a
// StreamingBuffer that a 30fps tick flushes into the viewport, and the turn
// ends with a StreamCompleteMsg. Esc cancels the active turn; Ctrl+O opens
// the model picker and Ctrl+P switches between the local and cloud
// provider.
package chat
