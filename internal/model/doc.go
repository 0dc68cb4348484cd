// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the client pipeline,
// the storage backends and the server.
//
// # Key Types
//
//   - Conversation: Transcript plus title, pin state and sampling settings
//   - Message: Committed transcript entry with optional reasoning annotation
//   - WireMessage: Role/content projection sent to providers
//   - ChatRequest / ChatResponse: Control frame and fallback response bodies
//   - ModelInfo: Curated model listing per provider
//
// # Usage
//
// Build the control frame for a turn:
//
//	req := model.ChatRequest{
//	    Messages: model.WireMessages(conv.Messages),
//	    Provider: "openai",
//	    Model:    "gpt-4o-mini",
//	}
//
// Derive a title from the first user message:
//
//	title := model.DeriveTitle("How do I reverse a linked list in Go?")
package model
