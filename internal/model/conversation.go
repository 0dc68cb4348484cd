// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultTitle is the title a store assigns to a freshly created conversation.
const DefaultTitle = "New Chat"

// TitleMaxRunes bounds titles derived from the first user message.
const TitleMaxRunes = 50

// DefaultSystemPrompt seeds the transcript of a conversation with no messages.
const DefaultSystemPrompt = "You are a helpful assistant."

// placeholderTitles are titles that auto-titling may replace.
var placeholderTitles = map[string]bool{
	"":                 true,
	DefaultTitle:       true,
	"New Conversation": true,
	"Conversation":     true,
	"Untitled":         true,
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat conversation with history and metadata.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Generation settings
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`

	// Messages
	Messages []Message `json:"messages"`
}

// Summary is the list-view projection of a conversation.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Pinned    bool      `json:"pinned"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the list-view row for c.
func (c *Conversation) Summary() Summary {
	return Summary{
		ID:        c.ID,
		Title:     c.GetTitle(),
		Pinned:    c.Pinned,
		UpdatedAt: c.UpdatedAt,
	}
}

// GetTitle returns the conversation title or a default.
func (c *Conversation) GetTitle() string {
	if c.Title == "" {
		return "Conversation"
	}
	return c.Title
}

// HasPlaceholderTitle reports whether the title was never set by the user or
// by auto-titling.
func (c *Conversation) HasPlaceholderTitle() bool {
	return IsPlaceholderTitle(c.Title)
}

// IsPlaceholderTitle reports whether title is one of the default titles.
func IsPlaceholderTitle(title string) bool {
	return placeholderTitles[strings.TrimSpace(title)]
}

// FirstUserMessage returns the first user message and true, or false when the
// transcript has none.
func (c *Conversation) FirstUserMessage() (Message, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return m, true
		}
	}
	return Message{}, false
}

// LastUserIndex returns the index of the last user message strictly before
// index before, or -1. Pass len(Messages) to search the whole transcript.
func (c *Conversation) LastUserIndex(before int) int {
	if before > len(c.Messages) {
		before = len(c.Messages)
	}
	for i := before - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// Clone creates a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Messages = CloneMessages(c.Messages)
	if c.Temperature != nil {
		t := *c.Temperature
		clone.Temperature = &t
	}
	if c.TopP != nil {
		p := *c.TopP
		clone.TopP = &p
	}
	return &clone
}

// =============================================================================
// TITLES
// =============================================================================

// DeriveTitle builds a conversation title from the text of a user message:
// whitespace is collapsed and the result is cut to TitleMaxRunes runes.
func DeriveTitle(text string) string {
	text = norm.NFC.String(text)
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= TitleMaxRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:TitleMaxRunes])) + "…"
}
