// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// CHAT STYLES
// =============================================================================

var (
	// Header is the title bar.
	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(TextPrimary).
		Background(SurfaceDim).
		Padding(0, 1)

	// Badge marks the provider and model in the header.
	Badge = lipgloss.NewStyle().
		Foreground(Cyan).
		Background(SurfaceDim).
		Padding(0, 1)

	// UserLabel precedes user messages.
	UserLabel = lipgloss.NewStyle().Bold(true).Foreground(Green)

	// AssistantLabel precedes assistant messages.
	AssistantLabel = lipgloss.NewStyle().Bold(true).Foreground(Purple)

	// SystemLabel precedes the system message.
	SystemLabel = lipgloss.NewStyle().Italic(true).Foreground(TextMuted)

	// Reasoning frames the reasoning pane above an answer.
	Reasoning = lipgloss.NewStyle().
			Italic(true).
			Foreground(TextMuted).
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(Overlay).
			PaddingLeft(1)

	// Body is plain message text.
	Body = lipgloss.NewStyle().Foreground(TextPrimary)

	// Status is the line under the transcript.
	Status = lipgloss.NewStyle().Foreground(TextMuted).Padding(0, 1)

	// Error is an error status.
	Error = lipgloss.NewStyle().Foreground(Rose).Padding(0, 1)

	// Warning is a warning status.
	Warning = lipgloss.NewStyle().Foreground(Amber).Padding(0, 1)

	// Help is the key hint line.
	Help = lipgloss.NewStyle().Foreground(TextMuted).Padding(0, 1)

	// Divider separates the transcript from the input.
	Divider = lipgloss.NewStyle().Foreground(Overlay)
)
