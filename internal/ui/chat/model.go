// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	convo "github.com/jeranaias/ollama-chat/internal/chat"
	"github.com/jeranaias/ollama-chat/internal/provider"
	"github.com/jeranaias/ollama-chat/internal/ui/styles"
)

// entryState is the lifecycle of one transcript entry.
type entryState int

const (
	entryDone entryState = iota
	entryStreaming
	entryCancelled
	entryFailed
)

// entry is one rendered message of the transcript. Failed and cancelled
// turns stay visible here even though the session drops them.
type entry struct {
	role     convo.Role
	content  string
	state    entryState
	errKind  string
	rendered string // markdown rendering of a finished answer
}

// Options configures the chat screen.
type Options struct {
	Session *provider.Session
	// Theme is auto, dark or light
	Theme string
	// Markdown renders finished answers with glamour
	Markdown bool
	// Save stores the session history and returns its ID. Nil disables
	// saving.
	Save   func(ctx context.Context) (string, error)
	Logger *zap.Logger
}

// Model is the Bubble Tea model of the full-screen chat.
type Model struct {
	session  *provider.Session
	save     func(ctx context.Context) (string, error)
	logger   *zap.Logger
	theme    *styles.Theme
	keys     KeyMap
	markdown *markdownCache

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	buffer   *StreamingBuffer

	entries   []entry
	streaming bool
	started   time.Time
	notice    string
	picker    *modelPicker

	width  int
	height int
}

// New creates the chat model.
func New(opts Options) Model {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ti := textinput.New()
	ti.Placeholder = "Ask something..."
	ti.Prompt = "> "
	ti.CharLimit = 8192
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}

	theme := styles.NewTheme(opts.Theme)
	sp.Style = theme.Spinner

	m := Model{
		session:  opts.Session,
		save:     opts.Save,
		logger:   logger.Named("tui"),
		theme:    theme,
		keys:     DefaultKeyMap(),
		viewport: viewport.New(80, 20),
		input:    ti,
		spinner:  sp,
		buffer:   NewStreamingBuffer(),
		width:    80,
		height:   24,
	}
	if opts.Markdown {
		m.markdown = newMarkdownCache()
	}

	for _, msg := range opts.Session.History() {
		m.entries = append(m.entries, entry{role: msg.Role, content: msg.Content})
	}
	m.refresh()
	return m
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Streaming reports whether a turn is in flight.
func (m Model) Streaming() bool {
	return m.streaming
}

// sendCmd runs one session turn in the background. Fragments go to the
// buffer; the result arrives as StreamCompleteMsg.
func sendCmd(session *provider.Session, buffer *StreamingBuffer, text string) tea.Cmd {
	return func() tea.Msg {
		reply, err := session.Send(context.Background(), text, buffer.Write)
		return StreamCompleteMsg{Reply: reply, Err: err}
	}
}

func loadModelsCmd(session *provider.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		models, err := session.RefreshModels(ctx)
		return ModelsLoadedMsg{Models: models, Err: err}
	}
}

func saveCmd(save func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := save(ctx)
		return ConversationSavedMsg{ID: id, Err: err}
	}
}
