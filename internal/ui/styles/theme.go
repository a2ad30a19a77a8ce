// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds all the styled components for the chat screens.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	HasTrueColor bool
	ColorProfile termenv.Profile

	// Layout dimensions
	Width  int
	Height int

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserText       lipgloss.Style
	AssistantText  lipgloss.Style
	SystemText     lipgloss.Style
	ErrorText      lipgloss.Style
	CancelledText  lipgloss.Style

	InputContainer lipgloss.Style
	InputPrompt    lipgloss.Style

	StatusBar    lipgloss.Style
	ModeLocal    lipgloss.Style
	ModeCloud    lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style

	ListTitle    lipgloss.Style
	ListItem     lipgloss.Style
	ListSelected lipgloss.Style

	Spinner lipgloss.Style
	Muted   lipgloss.Style
}

// NewTheme creates a theme for mode, one of "auto", "dark" or "light".
// Anything else behaves like "auto".
func NewTheme(mode string) *Theme {
	colorProfile := termenv.ColorProfile()

	var isDark bool
	switch strings.ToLower(mode) {
	case "dark":
		isDark = true
		lipgloss.SetHasDarkBackground(true)
	case "light":
		lipgloss.SetHasDarkBackground(false)
	default:
		isDark = termenv.HasDarkBackground()
	}

	t := &Theme{
		IsDark:       isDark,
		HasTrueColor: colorProfile == termenv.TrueColor,
		ColorProfile: colorProfile,
	}
	t.initStyles()
	return t
}

func (t *Theme) initStyles() {
	t.Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(Overlay).
		Padding(0, 1)

	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)

	t.UserLabel = lipgloss.NewStyle().Bold(true).Foreground(Cyan)
	t.AssistantLabel = lipgloss.NewStyle().Bold(true).Foreground(Purple)
	t.UserText = lipgloss.NewStyle().Foreground(TextPrimary).PaddingLeft(2)
	t.AssistantText = lipgloss.NewStyle().Foreground(TextPrimary).PaddingLeft(2)
	t.SystemText = lipgloss.NewStyle().Foreground(TextSecondary).Italic(true)
	t.ErrorText = lipgloss.NewStyle().Foreground(Rose).Bold(true)
	t.CancelledText = lipgloss.NewStyle().Foreground(Amber).Italic(true)

	t.InputContainer = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Overlay).
		Padding(0, 1)

	t.InputPrompt = lipgloss.NewStyle().Bold(true).Foreground(Cyan)

	t.StatusBar = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Background(SurfaceDim).
		Padding(0, 1)

	t.ModeLocal = lipgloss.NewStyle().Bold(true).Foreground(ProviderColor("local"))
	t.ModeCloud = lipgloss.NewStyle().Bold(true).Foreground(ProviderColor("cloud"))
	t.ShortcutKey = lipgloss.NewStyle().Bold(true).Foreground(Cyan)
	t.ShortcutDesc = lipgloss.NewStyle().Foreground(TextMuted)

	t.ListTitle = lipgloss.NewStyle().Bold(true).Foreground(Purple).MarginBottom(1)
	t.ListItem = lipgloss.NewStyle().Foreground(TextPrimary).PaddingLeft(2)
	t.ListSelected = lipgloss.NewStyle().Bold(true).Foreground(Cyan).PaddingLeft(1).
		BorderStyle(lipgloss.ThickBorder()).BorderLeft(true).BorderForeground(Cyan)

	t.Spinner = lipgloss.NewStyle().Foreground(Purple)
	t.Muted = lipgloss.NewStyle().Foreground(TextMuted)
}

// ModeStyle returns the status bar style for a provider kind.
func (t *Theme) ModeStyle(kind string) lipgloss.Style {
	if kind == "cloud" {
		return t.ModeCloud
	}
	return t.ModeLocal
}

// SetSize updates the theme dimensions for responsive layouts.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}

// GetLayoutMode returns the current layout mode based on width.
func (t *Theme) GetLayoutMode() LayoutMode {
	if t.Width < 60 {
		return LayoutNarrow
	}
	if t.Width < 100 {
		return LayoutMedium
	}
	return LayoutWide
}

// LayoutMode represents the current responsive layout mode.
type LayoutMode int

const (
	LayoutNarrow LayoutMode = iota // < 60 columns
	LayoutMedium                   // 60-100 columns
	LayoutWide                     // > 100 columns
)
