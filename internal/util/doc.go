// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the CLI, TUI and stores.
//
// # Key Functions
//
// String Utilities (display width aware, via go-runewidth):
//   - TruncateRunes, TruncateWidth: UTF-8 safe truncation with ellipsis
//   - PadRight: fixed-width table cells
//   - Title: one-line conversation titles
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
package util
