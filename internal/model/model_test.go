// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestWireMessages_StripsReasoning(t *testing.T) {
	msgs := []Message{
		NewSystemMessage("be brief"),
		NewUserMessage("hi"),
		NewAssistantMessage("hello", "greeting back"),
	}

	wire := WireMessages(msgs)
	require.Len(t, wire, 3)
	assert.Equal(t, WireMessage{Role: RoleAssistant, Content: "hello"}, wire[2])

	data, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "reasoning")
	assert.NotContains(t, string(data), "created_at")
}

func TestMessage_Preview(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		want    string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"unicode", "héllo wörld", 8, "héllo..."},
		{"tiny", "hello", 2, "he"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Message{Content: tc.content}.Preview(tc.max))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleSystem.Valid())
	assert.False(t, Role("tool").Valid())
	assert.False(t, Role("").Valid())
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Hello", DeriveTitle("Hello"))
	assert.Equal(t, "two words", DeriveTitle("  two \n\t words  "))

	long := strings.Repeat("a", 80)
	title := DeriveTitle(long)
	assert.Equal(t, strings.Repeat("a", TitleMaxRunes)+"…", title)

	// Decomposed e + combining acute is normalised before counting.
	assert.Equal(t, "caf\u00e9", DeriveTitle("cafe\u0301"))
}

func TestIsPlaceholderTitle(t *testing.T) {
	for _, title := range []string{"", "New Chat", "New Conversation", "Conversation", " Untitled "} {
		assert.True(t, IsPlaceholderTitle(title), title)
	}
	assert.False(t, IsPlaceholderTitle("Hello"))
}

func TestConversation_LastUserIndex(t *testing.T) {
	conv := &Conversation{Messages: []Message{
		NewSystemMessage("sys"),
		NewUserMessage("one"),
		NewAssistantMessage("1", ""),
		NewUserMessage("two"),
		NewAssistantMessage("2", ""),
	}}

	assert.Equal(t, 3, conv.LastUserIndex(len(conv.Messages)))
	assert.Equal(t, 1, conv.LastUserIndex(3))
	assert.Equal(t, -1, conv.LastUserIndex(1))
	assert.Equal(t, 3, conv.LastUserIndex(99))
}

func TestConversation_CloneIsIndependent(t *testing.T) {
	temp := 0.7
	conv := &Conversation{
		ID:          "c1",
		Temperature: &temp,
		Messages:    []Message{NewUserMessage("hi")},
	}

	clone := conv.Clone()
	clone.Messages[0].Content = "changed"
	*clone.Temperature = 0.1

	assert.Equal(t, "hi", conv.Messages[0].Content)
	assert.Equal(t, 0.7, *conv.Temperature)
}

func TestConversation_Summary(t *testing.T) {
	conv := &Conversation{ID: "c1", Pinned: true}
	s := conv.Summary()
	assert.Equal(t, "Conversation", s.Title)
	assert.True(t, s.Pinned)
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

func TestCatalogFor(t *testing.T) {
	models := CatalogFor("OpenAI")
	require.NotEmpty(t, models)
	models[0].ID = "mutated"
	assert.NotEqual(t, "mutated", Catalog["openai"][0].ID)

	assert.Nil(t, CatalogFor("azure"))
	assert.Contains(t, CatalogProviders(), "echo")
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame("boom")
	assert.True(t, strings.HasPrefix(frame, ErrorFramePrefix))
	assert.Equal(t, "[Error: boom]", frame)
}

func TestPrepareMessages(t *testing.T) {
	msgs := []WireMessage{{Role: RoleUser, Content: "hi"}}

	out := PrepareMessages(msgs, "  be brief ", true)
	require.Len(t, out, 3)
	assert.Equal(t, ReasoningInstruction, out[0].Content)
	assert.Equal(t, WireMessage{Role: RoleSystem, Content: "be brief"}, out[1])
	assert.Equal(t, "hi", out[2].Content)
	assert.True(t, WantsReasoning(out))

	out = PrepareMessages(msgs, " ", false)
	assert.Equal(t, msgs, out)
	assert.False(t, WantsReasoning(out))
}
