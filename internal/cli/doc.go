// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the fern command line.
//
// Commands:
//
//	fern serve                          Run the chat backend
//	fern chat [--plain] [--open ID]     Interactive chat (TUI, or a line REPL)
//	fern ask "question"                 One turn, printed when finished
//	fern conversations list|show|delete|pin|rename|export
//	fern config show|path|keys|get|set
//	fern version
//
// Global flags:
//
//	--config PATH        Config file (default ~/.fern/config.toml)
//	--log-level LEVEL    trace, debug, info, warn, error
//	--log-format FORMAT  text or json
//	--server URL         Backend URL for client commands
//
// Client commands talk to a running "fern serve" over its HTTP and
// websocket API; the server owns the conversation store.
package cli
