// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the model backends behind the chat server.
//
// Every backend satisfies Provider: a streaming call that reports text
// deltas, a one-shot completion, and a model listing. Four wire protocols
// are supported:
//
//   - OpenAI-compatible chat completions (OpenAI, OpenRouter, Together,
//     Fireworks, Perplexity, Mistral, DeepSeek, LiteLLM, vLLM)
//   - Anthropic messages
//   - Gemini generateContent
//   - Ollama NDJSON chat
//
// Registry maps names to clients and substitutes the Echo provider for
// backends that have no credentials.
//
// # Usage
//
//	reg := provider.NewRegistry(settings, nil)
//	p, err := reg.Resolve("openai")
//	err = p.Stream(ctx, provider.Request{Messages: msgs}, func(chunk string) error {
//	    fmt.Print(chunk)
//	    return nil
//	})
package provider
