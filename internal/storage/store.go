// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a keyed record store of conversations. It is the source of
// truth for everything except an in-flight turn.
type Store interface {
	// Create stores a new conversation and returns it with its assigned id.
	Create(ctx context.Context, req NewConversation) (*model.Conversation, error)

	// Get returns the conversation or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Conversation, error)

	// Patch applies the non-nil fields of p and returns the stored result.
	Patch(ctx context.Context, id string, p Patch) (*model.Conversation, error)

	// Delete removes the conversation. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every conversation, pinned first, then most recent first.
	List(ctx context.Context) ([]model.Summary, error)
}

// NewConversation holds the optional fields of a create request.
type NewConversation struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
}

// Build returns the conversation a store should persist for req.
func (req NewConversation) Build(now time.Time) *model.Conversation {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = model.DefaultTitle
	}
	return &model.Conversation{
		ID:           id,
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		Messages:     []model.Message{},
	}
}

// =============================================================================
// PATCH
// =============================================================================

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title        *string          `json:"title,omitempty"`
	Pinned       *bool            `json:"pinned,omitempty"`
	SystemPrompt *string          `json:"system_prompt,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	TopP         *float64         `json:"top_p,omitempty"`
	Messages     *[]model.Message `json:"messages,omitempty"`
}

// Empty reports whether p changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Pinned == nil && p.SystemPrompt == nil &&
		p.Temperature == nil && p.TopP == nil && p.Messages == nil
}

// Apply mutates conv with the fields of p. A blank title is ignored.
// Replaced messages are filtered to valid roles; see CleanMessages.
func (p Patch) Apply(conv *model.Conversation, now time.Time) {
	if p.Title != nil {
		if t := strings.TrimSpace(*p.Title); t != "" {
			conv.Title = t
		}
	}
	if p.Pinned != nil {
		conv.Pinned = *p.Pinned
	}
	if p.SystemPrompt != nil {
		conv.SystemPrompt = *p.SystemPrompt
	}
	if p.Temperature != nil {
		t := *p.Temperature
		conv.Temperature = &t
	}
	if p.TopP != nil {
		v := *p.TopP
		conv.TopP = &v
	}
	if p.Messages != nil {
		conv.Messages = CleanMessages(*p.Messages)
	}
	conv.UpdatedAt = now
}

// CleanMessages drops messages with a role outside system/user/assistant.
func CleanMessages(msgs []model.Message) []model.Message {
	clean := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			continue
		}
		clean = append(clean, m)
	}
	return clean
}

// SetMessages is shorthand for a replace-messages patch.
func SetMessages(msgs []model.Message) Patch {
	cp := model.CloneMessages(msgs)
	if cp == nil {
		cp = []model.Message{}
	}
	return Patch{Messages: &cp}
}

// =============================================================================
// ORDERING
// =============================================================================

// SortSummaries orders by updated_at descending, then moves pinned rows to
// the top while keeping recency order within each group.
func SortSummaries(items []model.Summary) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Pinned && !items[j].Pinned
	})
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &ConversationError{Message: "conversation not found"}

// ConversationError represents a conversation-related error.
// It implements the error interface and can be compared using errors.Is.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
