// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream owns the lifecycle of a single streamed assistant turn.
//
// A Session moves through
//
//	Idle → Connecting → Streaming → Draining → Finalized
//
// or ends early in Cancelled (user stop) or Errored (connection failure).
// Each inbound fragment is appended to the accumulated text, re-split into
// reasoning and answer, and the new text of each section is fed to its own
// pacing buffer. The "[END]" sentinel starts the drain; once both buffers
// have revealed everything the session emits the finalized message.
//
// The package also provides the websocket Dialer and the HTTP Completer
// used for the non-streaming fallback. Retrying and falling back are the
// caller's decision; a Session never retries.
package stream
