// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes saved conversations out as standalone documents.
//
// # Formats
//
//   - markdown: YAML frontmatter, one section per message, reasoning folded
//     into a <details> block
//   - json: the stored conversation plus an export header
//   - html: a single self-contained page; message text is rendered from
//     markdown with raw HTML dropped
//
// # Usage
//
//	exp, err := export.New("html", export.DefaultOptions())
//	path, err := export.ToFile(conv, exp, dir)
package export
