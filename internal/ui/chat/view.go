// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/phase"
	"github.com/jeranaias/fern/internal/stream"
	"github.com/jeranaias/fern/internal/ui/styles"
	"github.com/jeranaias/fern/internal/util"
)

// =============================================================================
// VIEW
// =============================================================================

// View renders the screen.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		styles.Divider.Render(strings.Repeat("─", m.width)),
		m.renderStatus(),
		m.input.View(),
		styles.Help.Render(util.TruncateWidth(m.keys.ShortHelp(), m.width-2)),
	)
}

func (m Model) renderHeader() string {
	title := model.DefaultTitle
	if conv := m.mgr.Conversation(); conv != nil {
		title = conv.GetTitle()
	}

	settings := m.mgr.Settings()
	badge := settings.Provider
	if settings.Model != "" {
		badge += "/" + settings.Model
	}
	if settings.Reasoning {
		badge += " · reasoning"
	}
	right := styles.Badge.Render(badge)

	avail := m.width - lipgloss.Width(right) - 2
	left := styles.Header.Render("fern · " + util.TruncateWidth(title, avail-8))
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return left + styles.Header.UnsetPadding().Render(strings.Repeat(" ", gap)) + right
}

func (m Model) renderStatus() string {
	if m.turn != nil && m.live != nil {
		return m.spinner.View() + styles.Status.Render(liveStatus(*m.live))
	}
	if m.mgr.HasPendingWrite() && !m.statusErr {
		return styles.Warning.Render("unsaved changes · ctrl+s to retry")
	}
	if m.status == "" {
		return ""
	}
	if m.statusErr {
		return styles.Error.Render(util.TruncateWidth(m.status, m.width-2))
	}
	return styles.Status.Render(util.TruncateWidth(m.status, m.width-2))
}

// liveStatus describes a running turn: state, phase and throughput.
func liveStatus(s stream.Snapshot) string {
	parts := []string{s.State.String()}
	switch s.Phase {
	case phase.Reasoning:
		parts = append(parts, "reasoning")
	case phase.Answer:
		parts = append(parts, "answering")
	}
	if s.Chars > 0 {
		parts = append(parts, fmt.Sprintf("%d chars", s.Chars))
	}
	if s.TokensPerSec > 0 {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", s.TokensPerSec))
	}
	return strings.Join(parts, " · ")
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

const welcome = "Start typing to begin a conversation."

// renderTranscript renders every committed message.
func (m Model) renderTranscript(conv *model.Conversation) string {
	if conv == nil || len(conv.Messages) == 0 {
		return styles.SystemLabel.Render(welcome) + "\n"
	}

	var b strings.Builder
	for _, msg := range conv.Messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m Model) contentWidth() int {
	if m.width < 20 {
		return 20
	}
	return m.width - 2
}

func (m Model) renderMessage(msg model.Message) string {
	w := m.contentWidth()
	switch msg.Role {
	case model.RoleSystem:
		return styles.SystemLabel.Width(w).Render("system: " + msg.Content)
	case model.RoleUser:
		return styles.UserLabel.Render("You") + "\n" + styles.Body.Width(w).Render(msg.Content)
	default:
		var b strings.Builder
		b.WriteString(styles.AssistantLabel.Render("Assistant"))
		b.WriteString("\n")
		if msg.Reasoning != "" {
			b.WriteString(styles.Reasoning.Width(w - 2).Render(msg.Reasoning))
			b.WriteString("\n")
		}
		b.WriteString(m.render.Markdown(msg.Content))
		return b.String()
	}
}

// renderLive renders the turn in progress: the reasoning pane, then the
// answer so far with a cursor.
func (m Model) renderLive(s stream.Snapshot) string {
	w := m.contentWidth()

	var b strings.Builder
	b.WriteString(styles.AssistantLabel.Render("Assistant"))
	b.WriteString("\n")
	if s.Reasoning != "" {
		b.WriteString(styles.Reasoning.Width(w - 2).Render(s.Reasoning))
		b.WriteString("\n")
	}
	answer := s.Answer
	if !s.State.Terminal() {
		answer += "▌"
	}
	b.WriteString(styles.Body.Width(w).Render(answer))
	return b.String()
}
