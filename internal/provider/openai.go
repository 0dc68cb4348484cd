// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// OPENAI-COMPATIBLE CLIENT
// =============================================================================

// OpenAI talks to any backend exposing the OpenAI chat completions API:
// OpenAI itself, OpenRouter, Together, Fireworks, Perplexity, Mistral,
// DeepSeek, LiteLLM and vLLM.
type OpenAI struct {
	name     string
	settings Settings
}

// NewOpenAI creates a client for the named OpenAI-compatible backend.
func NewOpenAI(name string, settings Settings) *OpenAI {
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &OpenAI{name: name, settings: settings}
}

// Name implements Provider.
func (c *OpenAI) Name() string { return c.name }

type openAIRequest struct {
	Model       string              `json:"model"`
	Messages    []model.WireMessage `json:"messages"`
	Stream      bool                `json:"stream"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
}

func (c *OpenAI) body(req Request, stream bool) openAIRequest {
	m := req.Model
	if m == "" {
		m = c.settings.Model
	}
	return openAIRequest{
		Model:       m,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

func (c *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if c.settings.APIKey != "" {
		h["Authorization"] = "Bearer " + c.settings.APIKey
	}
	if c.name == "openrouter" {
		h["HTTP-Referer"] = "https://github.com/jeranaias/fern"
		h["X-Title"] = "fern"
	}
	return h
}

// Stream implements Provider.
func (c *OpenAI) Stream(ctx context.Context, req Request, onChunk func(string) error) error {
	headers := c.headers()
	headers["Accept"] = "text/event-stream"

	resp, err := postJSON(ctx, sharedStreamingClient, c.name, c.settings.BaseURL+"/chat/completions", headers, c.body(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := newSSEReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := reader.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return connectionError(c.name, err)
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		if !gjson.ValidBytes(data) {
			// Skip malformed chunks
			continue
		}
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			return &Error{Type: ErrTypeInvalidResponse, Provider: c.name, Message: msg.String()}
		}
		if delta := gjson.GetBytes(data, "choices.0.delta.content").String(); delta != "" {
			if err := onChunk(delta); err != nil {
				return err
			}
		}
	}
}

// Complete implements Provider.
func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, sharedClient, c.name, c.settings.BaseURL+"/chat/completions", c.headers(), c.body(req, false))
	if err != nil {
		return "", err
	}
	data, err := readBody(c.name, resp)
	if err != nil {
		return "", err
	}
	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return "", invalidResponse(c.name, "response has no choices", nil)
	}
	return content.String(), nil
}

// Models implements Provider.
func (c *OpenAI) Models(ctx context.Context) ([]model.ModelInfo, error) {
	data, err := getJSON(ctx, c.name, c.settings.BaseURL+"/models", c.headers())
	if err != nil {
		return nil, err
	}
	var models []model.ModelInfo
	gjson.GetBytes(data, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		name := m.Get("name").String()
		if name == "" {
			name = id
		}
		models = append(models, model.ModelInfo{ID: id, Name: name})
		return true
	})
	return models, nil
}
