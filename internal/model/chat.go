// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// =============================================================================
// WIRE PROTOCOL
// =============================================================================

// EndOfStream is the literal text frame that terminates a streamed turn.
const EndOfStream = "[END]"

// ErrorFramePrefix starts an in-band failure report on the stream.
const ErrorFramePrefix = "[Error:"

// ChatRequest is the control frame sent once per turn, both as the first
// websocket message and as the fallback request body.
type ChatRequest struct {
	Messages       []WireMessage `json:"messages"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Reasoning      bool          `json:"reasoning"`
	Temperature    *float64      `json:"temperature,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
}

// ChatResponse is the body returned by the non-streaming chat endpoint.
type ChatResponse struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ErrorFrame formats msg as an in-band stream failure.
func ErrorFrame(msg string) string {
	return ErrorFramePrefix + " " + msg + "]"
}

// ReasoningInstruction is appended as a system message when a turn asks for
// a reasoning section.
const ReasoningInstruction = "Include a short 'Reasoning:' section (1-3 sentences) before the final answer. " +
	"Do not reveal chain-of-thought; keep it concise and high-level."

// PrepareMessages builds the message list sent to a provider: the
// reasoning instruction when requested, then the conversation's system
// prompt when set, then msgs.
func PrepareMessages(msgs []WireMessage, systemPrompt string, reasoning bool) []WireMessage {
	out := make([]WireMessage, 0, len(msgs)+2)
	if reasoning {
		out = append(out, WireMessage{Role: RoleSystem, Content: ReasoningInstruction})
	}
	if sp := strings.TrimSpace(systemPrompt); sp != "" {
		out = append(out, WireMessage{Role: RoleSystem, Content: sp})
	}
	return append(out, msgs...)
}

// WantsReasoning reports whether msgs carry the reasoning instruction.
func WantsReasoning(msgs []WireMessage) bool {
	for _, m := range msgs {
		if m.Role == RoleSystem && m.Content == ReasoningInstruction {
			return true
		}
	}
	return false
}
