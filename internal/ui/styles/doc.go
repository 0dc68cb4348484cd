// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles holds the colour palette and lipgloss styles of the chat
// TUI. All colors use lipgloss.AdaptiveColor so light and dark terminals
// both stay readable.
package styles
