// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across fern: crash-safe file
// writes and terminal-width aware string truncation.
//
//	// Write files atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0600)
//
//	// Fit a conversation title into a table column
//	cell := util.TruncateWidth(title, 40)
package util
