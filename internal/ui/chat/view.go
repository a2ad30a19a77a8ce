// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	convo "github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/ui/styles"
	"github.com/jeranaias/ollama-chat/internal/util"
)

// View renders the screen.
func (m Model) View() string {
	body := m.viewport.View()
	if m.picker != nil {
		body = m.picker.view(m.theme, m.viewport.Height)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		body,
		m.theme.InputContainer.Width(max(10, m.width-2)).Render(m.input.View()),
		m.statusView(),
	)
}

func (m Model) headerView() string {
	kind := m.session.Kind()
	title := m.theme.HeaderTitle.Render("ollama-chat")
	mode := m.theme.ModeStyle(kind.String()).Render(kind.Label())
	line := fmt.Sprintf("%s  %s  %s", title, mode, m.theme.Muted.Render(m.session.Model()))
	return m.theme.Header.Width(max(10, m.width)).Render(line)
}

func (m Model) statusView() string {
	var left string
	switch {
	case m.streaming:
		left = fmt.Sprintf("%s streaming %s", m.spinner.View(), time.Since(m.started).Round(time.Second))
	case m.notice != "":
		left = m.notice
	default:
		left = "ready"
	}

	bindings := m.keys.ShortHelp()
	switch m.theme.GetLayoutMode() {
	case styles.LayoutNarrow:
		bindings = nil
	case styles.LayoutMedium:
		bindings = bindings[:min(3, len(bindings))]
	}
	var help []string
	for _, b := range bindings {
		h := b.Help()
		help = append(help, m.theme.ShortcutKey.Render(h.Key)+" "+m.theme.ShortcutDesc.Render(h.Desc))
	}
	right := strings.Join(help, "  ")

	width := max(10, m.width)
	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if right == "" || gap < 1 {
		return m.theme.StatusBar.Width(width).Render(util.TruncateWidth(left, width-2))
	}
	return m.theme.StatusBar.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) contentWidth() int {
	return max(20, m.width-4)
}

// refresh re-renders the transcript into the viewport, following the
// bottom when it was already there.
func (m *Model) refresh() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.transcript())
	if atBottom || m.streaming {
		m.viewport.GotoBottom()
	}
}

func (m *Model) transcript() string {
	if len(m.entries) == 0 {
		return m.theme.SystemText.Render("Start typing and press Enter. Ctrl+O picks a model, Ctrl+P switches provider.")
	}

	wrap := lipgloss.NewStyle().Width(m.contentWidth())
	var sb strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch e.role {
		case convo.RoleUser:
			sb.WriteString(m.theme.UserLabel.Render("You") + "\n")
			sb.WriteString(m.theme.UserText.Render(wrap.Render(e.content)) + "\n")
		case convo.RoleSystem:
			sb.WriteString(m.theme.SystemText.Render(wrap.Render(e.content)) + "\n")
		default:
			sb.WriteString(m.theme.AssistantLabel.Render("Assistant") + "\n")
			switch {
			case e.rendered != "":
				sb.WriteString(e.rendered)
			case e.state == entryStreaming && e.content == "":
				sb.WriteString(m.theme.AssistantText.Render(m.theme.Muted.Render("thinking...")) + "\n")
			default:
				sb.WriteString(m.theme.AssistantText.Render(wrap.Render(e.content)) + "\n")
			}
			switch e.state {
			case entryCancelled:
				sb.WriteString(m.theme.CancelledText.Render("  [cancelled]") + "\n")
			case entryFailed:
				sb.WriteString(m.theme.ErrorText.Render("  [error: "+e.errKind+"]") + "\n")
			}
		}
	}
	return sb.String()
}

// markdownCache keeps one glamour renderer per wrap width.
type markdownCache struct {
	width    int
	renderer *glamour.TermRenderer
}

func newMarkdownCache() *markdownCache {
	return &markdownCache{}
}

// render returns text rendered as markdown, or "" on failure so the caller
// falls back to plain text.
func (c *markdownCache) render(text string, width int) string {
	if c.renderer == nil || c.width != width {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err != nil {
			return ""
		}
		c.renderer, c.width = r, width
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		return ""
	}
	return out
}

// modelPicker is the model selection overlay.
type modelPicker struct {
	models []convo.Model
	cursor int
}

func newModelPicker(models []convo.Model, current string) *modelPicker {
	p := &modelPicker{models: models}
	for i, mod := range models {
		if mod.Name == current {
			p.cursor = i
		}
	}
	return p
}

func (p *modelPicker) move(delta int) {
	if len(p.models) == 0 {
		return
	}
	p.cursor = (p.cursor + delta + len(p.models)) % len(p.models)
}

func (p *modelPicker) selected() (string, bool) {
	if len(p.models) == 0 {
		return "", false
	}
	return p.models[p.cursor].Name, true
}

func (p *modelPicker) view(theme *styles.Theme, height int) string {
	var sb strings.Builder
	sb.WriteString(theme.ListTitle.Render("Models (Enter selects, Esc closes)") + "\n")
	if len(p.models) == 0 {
		sb.WriteString(theme.Muted.Render("  no models available") + "\n")
		return lipgloss.NewStyle().Height(height).Render(sb.String())
	}

	// Keep the cursor inside the visible window
	rows := max(1, height-2)
	start := 0
	if p.cursor >= rows {
		start = p.cursor - rows + 1
	}
	end := min(len(p.models), start+rows)
	for i := start; i < end; i++ {
		mod := p.models[i]
		line := util.PadRight(util.TruncateWidth(mod.Name, 40), 42) + theme.Muted.Render(mod.FormatSize())
		if i == p.cursor {
			sb.WriteString(theme.ListSelected.Render(line) + "\n")
		} else {
			sb.WriteString(theme.ListItem.Render(line) + "\n")
		}
	}
	return lipgloss.NewStyle().Height(height).Render(sb.String())
}
