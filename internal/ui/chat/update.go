// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	convo "github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/storage"
	"github.com/jeranaias/ollama-chat/internal/stream"
	"github.com/jeranaias/ollama-chat/internal/transport"
)

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if m.picker != nil {
			return m.updatePicker(msg)
		}
		return m.handleKey(msg)

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StreamTickMsg:
		if !m.streaming {
			return m, nil
		}
		if text, ok := m.buffer.Flush(); ok {
			m.appendToLast(text)
		}
		return m, streamTickCmd()

	case StreamCompleteMsg:
		m.finish(msg)
		return m, nil

	case ModelsLoadedMsg:
		if msg.Err != nil {
			m.notice = "models: " + msg.Err.Error()
			return m, nil
		}
		m.picker = newModelPicker(msg.Models, m.session.Model())
		return m, nil

	case ConversationSavedMsg:
		switch {
		case errors.Is(msg.Err, storage.ErrEmptyConversation):
			m.notice = "nothing to save yet"
		case msg.Err != nil:
			m.notice = "save failed: " + msg.Err.Error()
		default:
			m.notice = "saved as " + storage.ShortID(msg.ID)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.session.Cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.streaming {
			m.session.Cancel()
			m.notice = "cancelling..."
			return m, nil
		}
		m.input.Reset()
		m.notice = ""
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.Clear):
		if m.streaming {
			m.notice = "busy: press Esc to cancel first"
			return m, nil
		}
		m.session.Reset()
		m.entries = nil
		m.notice = "new conversation"
		m.refresh()
		return m, nil

	case key.Matches(msg, m.keys.Models):
		m.notice = "loading models..."
		return m, loadModelsCmd(m.session)

	case key.Matches(msg, m.keys.Provider):
		if m.streaming {
			m.notice = "busy: press Esc to cancel first"
			return m, nil
		}
		next := provider.KindCloud
		if m.session.Kind() == provider.KindCloud {
			next = provider.KindLocal
		}
		if err := m.session.SetKind(next); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.notice = fmt.Sprintf("switched to %s (%s)", next.Label(), m.session.Model())
		return m, nil

	case key.Matches(msg, m.keys.Save):
		if m.save == nil {
			m.notice = "history is disabled"
			return m, nil
		}
		return m, saveCmd(m.save)

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	case key.Matches(msg, m.keys.Home):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.End):
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit starts a turn with the input text.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if m.streaming {
		m.notice = "busy: press Esc to cancel first"
		return m, nil
	}

	m.input.Reset()
	m.notice = ""
	m.entries = append(m.entries,
		entry{role: convo.RoleUser, content: text},
		entry{role: convo.RoleAssistant, state: entryStreaming},
	)
	m.streaming = true
	m.started = time.Now()
	m.buffer.Reset()
	m.refresh()

	return m, tea.Batch(
		sendCmd(m.session, m.buffer, text),
		streamTickCmd(),
		m.spinner.Tick,
	)
}

func (m *Model) appendToLast(text string) {
	if len(m.entries) == 0 {
		return
	}
	m.entries[len(m.entries)-1].content += text
	m.refresh()
}

// finish settles the streaming entry according to how the turn ended.
func (m *Model) finish(msg StreamCompleteMsg) {
	if text, ok := m.buffer.ForceFlush(); ok && len(m.entries) > 0 {
		m.entries[len(m.entries)-1].content += text
	}
	m.streaming = false
	if len(m.entries) == 0 {
		return
	}
	last := &m.entries[len(m.entries)-1]

	switch provider.Outcome(msg.Err) {
	case stream.SignalCompleted:
		last.content = msg.Reply
		last.state = entryDone
		if m.markdown != nil {
			last.rendered = m.markdown.render(last.content, m.contentWidth())
		}
		m.notice = fmt.Sprintf("%s in %s", m.session.Model(), time.Since(m.started).Round(100*time.Millisecond))
	case stream.SignalCancelled:
		last.state = entryCancelled
		m.notice = "cancelled"
	default:
		last.state = entryFailed
		last.errKind = transport.KindOf(msg.Err).String()
		if strings.TrimSpace(last.content) == "" {
			last.content = msg.Err.Error()
		}
		m.notice = ""
		m.logger.Warn("turn failed", zap.Error(msg.Err))
	}
	m.refresh()
}

func (m Model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+o":
		m.picker = nil
	case "ctrl+c", "ctrl+q":
		m.session.Cancel()
		return m, tea.Quit
	case "up", "k":
		m.picker.move(-1)
	case "down", "j":
		m.picker.move(1)
	case "enter":
		name, ok := m.picker.selected()
		m.picker = nil
		if !ok {
			return m, nil
		}
		if err := m.session.SetModel(name); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.notice = "model: " + name
	}
	return m, nil
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.theme.SetSize(width, height)
	m.input.Width = max(10, width-8)
	m.viewport.Width = width
	// header (2), input box (3), status bar (1)
	m.viewport.Height = max(3, height-6)
	if m.markdown != nil {
		for i := range m.entries {
			if m.entries[i].role == convo.RoleAssistant && m.entries[i].state == entryDone {
				m.entries[i].rendered = m.markdown.render(m.entries[i].content, m.contentWidth())
			}
		}
	}
	m.refresh()
}
