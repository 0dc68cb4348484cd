// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// UPDATE
// =============================================================================

// Update handles bubbletea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.handleEvent(msg.Event)
		return m, m.events.wait()

	case turnStartedMsg:
		if msg.err != nil {
			m.setError(msg.err)
			return m, nil
		}
		select {
		case <-msg.turn.Done():
			// Finished before this message arrived; EventTurnDone was handled.
			return m, nil
		default:
		}
		m.turn = msg.turn
		m.live = &stream.Snapshot{State: stream.StateConnecting}
		m.status = ""
		m.refresh()
		return m, m.spinner.Tick

	case opDoneMsg:
		if msg.err != nil {
			m.setError(msg.err)
		} else {
			m.setStatus(msg.status)
		}
		m.rebuild()
		return m, nil

	case spinner.TickMsg:
		if m.turn == nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.turn != nil {
			return m, cancelCmd(m.turn)
		}
		m.events.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.turn != nil {
			return m, cancelCmd(m.turn)
		}
		return m, nil

	case key.Matches(msg, m.keys.Send):
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		return m, m.sendCmd(text)

	case key.Matches(msg, m.keys.Regenerate):
		return m, m.regenerateCmd()

	case key.Matches(msg, m.keys.New):
		return m, m.newCmd()

	case key.Matches(msg, m.keys.ToggleReasoning):
		on := !m.mgr.Settings().Reasoning
		m.mgr.SetReasoning(on)
		if on {
			m.setStatus("reasoning requested for new turns")
		} else {
			m.setStatus("reasoning off")
		}
		return m, nil

	case key.Matches(msg, m.keys.RetrySave):
		if !m.mgr.HasPendingWrite() {
			return m, nil
		}
		return m, m.retrySaveCmd()

	case key.Matches(msg, m.keys.PageUp, m.keys.PageDown):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleEvent applies a manager event to the screen.
func (m *Model) handleEvent(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventSnapshot:
		if m.turn == nil || ev.ConversationID != m.turn.ConversationID {
			return
		}
		snap := ev.Snapshot
		m.live = &snap
		m.refresh()

	case conversation.EventConversation:
		m.rebuild()

	case conversation.EventTurnDone:
		if ev.Outcome != nil {
			m.applyOutcome(*ev.Outcome)
		}
		m.turn = nil
		m.live = nil
		m.rebuild()

	case conversation.EventError:
		if ev.Err != nil {
			m.setError(ev.Err)
		}
	}
}

// applyOutcome sets the status line from a finished turn.
func (m *Model) applyOutcome(out conversation.Outcome) {
	switch {
	case out.Err != nil:
		m.setError(out.Err)
	case out.PersistErr != nil:
		m.setError(errors.Wrap(out.PersistErr, "reply not saved (ctrl+s to retry)"))
	case out.State == stream.StateCancelled && out.Committed:
		m.setStatus("stopped; partial reply kept")
	case out.State == stream.StateCancelled:
		m.setStatus("stopped")
	case out.Fallback:
		m.setStatus("answered without streaming")
	case out.Warning != nil:
		m.setStatus("reply had unbalanced reasoning markers")
	default:
		if m.live != nil && m.live.TokensPerSec > 0 {
			m.setStatus(fmt.Sprintf("done · %.1f tok/s", m.live.TokensPerSec))
		} else {
			m.setStatus("done")
		}
	}
}

func (m *Model) setStatus(s string) {
	m.status = s
	m.statusErr = false
}

func (m *Model) setError(err error) {
	m.status = err.Error()
	m.statusErr = true
}

// resize lays the screen out for a new terminal size.
func (m *Model) resize(width, height int) {
	m.width, m.height = width, height

	vpHeight := height - chromeHeight
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.input.SetWidth(width)
	m.render = render.New(width, m.opts.Profile)
	m.ready = true
	m.rebuild()
}

// rebuild re-renders the committed transcript.
func (m *Model) rebuild() {
	m.committed = m.renderTranscript(m.mgr.Conversation())
	m.refresh()
}

// refresh re-renders the live turn over the cached transcript, following
// the bottom unless the user scrolled away.
func (m *Model) refresh() {
	follow := m.viewport.AtBottom() || m.live != nil && m.live.State == stream.StateConnecting
	content := m.committed
	if m.live != nil {
		content += m.renderLive(*m.live)
	}
	m.viewport.SetContent(content)
	if follow {
		m.viewport.GotoBottom()
	}
}
