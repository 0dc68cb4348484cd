// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package phase separates a model response into reasoning and answer text.
//
// Models asked for a rationale reply in the form
//
//	Reasoning: <one to three sentences>
//	Answer: <final answer>
//
// Some omit the Answer: marker and end the reasoning with a blank line; that
// is accepted as the boundary too.
//
// The splitter always works on the full text accumulated so far, never on the
// newest fragment alone, so markers that straddle fragment boundaries resolve
// the same way as markers that arrive whole.
//
// Known limitation: there is no escaping, so an answer that itself contains
// the literal "Answer:" before the first blank line is split at that point.
package phase
