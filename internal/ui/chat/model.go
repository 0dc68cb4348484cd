// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/stream"
	"github.com/jeranaias/fern/internal/ui/styles"
)

// =============================================================================
// MODEL
// =============================================================================

// Options configures the chat screen.
type Options struct {
	// ConversationID is opened on start. Empty starts a new conversation on
	// the first send.
	ConversationID string

	// Profile is the terminal colour profile used for markdown rendering.
	Profile termenv.Profile
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx    context.Context
	mgr    *conversation.Manager
	events *Events
	opts   Options
	keys   KeyMap
	render *render.Renderer

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	width  int
	height int
	ready  bool

	// turn is the live turn and live its latest snapshot.
	turn *conversation.Turn
	live *stream.Snapshot

	// committed is the rendered transcript without the live turn.
	committed string

	status    string
	statusErr bool
}

// New creates the chat screen over mgr. events must be the observer the
// manager was built with.
func New(ctx context.Context, mgr *conversation.Manager, events *Events, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.ShowLineNumbers = false
	ta.Prompt = "┃ "
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = styles.Status

	return Model{
		ctx:      ctx,
		mgr:      mgr,
		events:   events,
		opts:     opts,
		keys:     DefaultKeyMap(),
		render:   render.New(render.DefaultWidth, opts.Profile),
		viewport: viewport.New(render.DefaultWidth, 20),
		input:    ta,
		spinner:  sp,
	}
}

// inputHeight is the textarea height in lines.
const inputHeight = 3

// chromeHeight is every line that is not transcript: header, divider,
// status, input and help.
const chromeHeight = 1 + 1 + 1 + inputHeight + 1

// Init starts the event pump and opens the requested conversation.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.events.wait()}
	if m.opts.ConversationID != "" {
		cmds = append(cmds, m.openCmd(m.opts.ConversationID))
	}
	return tea.Batch(cmds...)
}

// =============================================================================
// COMMANDS
// =============================================================================

// turnStartedMsg reports the result of starting a turn.
type turnStartedMsg struct {
	turn *conversation.Turn
	err  error
}

// opDoneMsg reports a finished manager operation.
type opDoneMsg struct {
	status string
	err    error
}

func (m Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		turn, err := m.mgr.SendTurn(m.ctx, text)
		return turnStartedMsg{turn: turn, err: err}
	}
}

func (m Model) regenerateCmd() tea.Cmd {
	return func() tea.Msg {
		turn, err := m.mgr.Regenerate(m.ctx)
		return turnStartedMsg{turn: turn, err: err}
	}
}

func (m Model) newCmd() tea.Cmd {
	return func() tea.Msg {
		_, err := m.mgr.New(m.ctx)
		return opDoneMsg{status: "new conversation", err: err}
	}
}

func (m Model) openCmd(id string) tea.Cmd {
	return func() tea.Msg {
		conv, err := m.mgr.Open(m.ctx, id)
		if err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{status: "opened " + conv.GetTitle()}
	}
}

func (m Model) retrySaveCmd() tea.Cmd {
	return func() tea.Msg {
		err := m.mgr.RetryPersist(m.ctx)
		return opDoneMsg{status: "saved", err: err}
	}
}

// cancelCmd stops turn and waits for its commit.
func cancelCmd(turn *conversation.Turn) tea.Cmd {
	return func() tea.Msg {
		turn.Cancel()
		return nil
	}
}
