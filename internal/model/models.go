// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"strings"
)

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo describes a selectable model.
type ModelInfo struct {
	// ID is the model identifier used in API calls
	ID string `json:"id"`

	// Name is the human-readable display name
	Name string `json:"name"`
}

// =============================================================================
// MODEL CATALOG
// =============================================================================

// Catalog lists curated models for providers that cannot be enumerated over
// their API. Providers that can (openrouter, ollama, litellm, vllm) are
// queried live by the provider layer.
var Catalog = map[string][]ModelInfo{
	"openai": {
		{ID: "gpt-4o", Name: "GPT-4o"},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini"},
	},
	"anthropic": {
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet"},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus"},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku"},
	},
	"gemini": {
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro"},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash"},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash"},
	},
	"together": {
		{ID: "meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo", Name: "Llama 3.1 70B Instruct Turbo"},
		{ID: "mistralai/Mixtral-8x7B-Instruct-v0.1", Name: "Mixtral 8x7B Instruct"},
	},
	"fireworks": {
		{ID: "accounts/fireworks/models/llama-v3p1-70b-instruct", Name: "Llama 3.1 70B Instruct"},
		{ID: "accounts/fireworks/models/mixtral-8x7b-instruct", Name: "Mixtral 8x7B Instruct"},
	},
	"perplexity": {
		{ID: "llama-3.1-sonar-small-128k-online", Name: "Sonar Small 128k (online)"},
		{ID: "llama-3.1-sonar-large-128k-online", Name: "Sonar Large 128k (online)"},
	},
	"mistral": {
		{ID: "mistral-small-latest", Name: "Mistral Small"},
		{ID: "mistral-large-latest", Name: "Mistral Large"},
		{ID: "codestral-latest", Name: "Codestral"},
	},
	"deepseek": {
		{ID: "deepseek-chat", Name: "DeepSeek Chat"},
		{ID: "deepseek-reasoner", Name: "DeepSeek Reasoner"},
	},
	"echo": {
		{ID: "echo", Name: "Local echo"},
	},
}

// CatalogFor returns the curated models for provider, or nil.
func CatalogFor(provider string) []ModelInfo {
	models := Catalog[strings.ToLower(provider)]
	if len(models) == 0 {
		return nil
	}
	out := make([]ModelInfo, len(models))
	copy(out, models)
	return out
}

// CatalogProviders returns the providers with a curated list, sorted.
func CatalogProviders() []string {
	names := make([]string, 0, len(Catalog))
	for name := range Catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
