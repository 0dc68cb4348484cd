// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat is the bubbletea chat screen of `fern chat`.
//
// The screen is a view over a conversation.Manager. Manager events are
// forwarded into the bubbletea loop through a channel; live snapshots of
// the current turn redraw the reasoning pane and the typewriter answer, and
// committed messages are rendered as markdown.
//
// # Keys
//
//   - Enter: send (Alt+Enter inserts a newline)
//   - Esc: stop the live turn
//   - Ctrl+C: stop the live turn, or quit when idle
//   - Ctrl+R: regenerate the last reply
//   - Ctrl+N: start a new conversation
//   - Ctrl+T: toggle the reasoning request
//   - Ctrl+S: retry a failed save
//
// # Usage
//
//	events := chat.NewEvents()
//	mgr := conversation.NewManager(store, dialer, fallback, cfg, events.Observe)
//	p := tea.NewProgram(chat.New(mgr, events, renderer), tea.WithAltScreen())
//	_, err := p.Run()
package chat
