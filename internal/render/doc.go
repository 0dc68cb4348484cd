// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns assistant replies into terminal output.
//
// The TUI renders finished answers as markdown with glamour. The plain REPL
// prints text as it streams and highlights fenced code blocks with chroma
// once they close. Both degrade to unstyled text when the colour profile is
// termenv.Ascii (pipes, NO_COLOR).
package render
