// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the colors and lipgloss styles shared by the REPL
// and the TUI.
//
// Colors are lipgloss.AdaptiveColor values so they follow the terminal's
// light or dark background. NewTheme pins the background when the user
// config asks for "dark" or "light" instead of "auto".
package styles
