// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// ANTHROPIC CLIENT
// =============================================================================

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	settings Settings
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(settings Settings) *Anthropic {
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &Anthropic{settings: settings}
}

// Name implements Provider.
func (c *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []model.WireMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
}

// body moves system messages into the top-level system field; the
// messages array only accepts user and assistant turns.
func (c *Anthropic) body(req Request, stream bool) anthropicRequest {
	var system []string
	msgs := make([]model.WireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	name := req.Model
	if name == "" {
		name = c.settings.Model
	}
	return anthropicRequest{
		Model:       name,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		MaxTokens:   anthropicMaxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

func (c *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.settings.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

// Stream implements Provider.
func (c *Anthropic) Stream(ctx context.Context, req Request, onChunk func(string) error) error {
	resp, err := postJSON(ctx, sharedStreamingClient, c.Name(), c.settings.BaseURL+"/v1/messages", c.headers(), c.body(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := newSSEReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, data, err := reader.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return connectionError(c.Name(), err)
		}
		if event == "" {
			event = gjson.GetBytes(data, "type").String()
		}

		switch event {
		case "content_block_delta":
			if text := gjson.GetBytes(data, "delta.text").String(); text != "" {
				if err := onChunk(text); err != nil {
					return err
				}
			}
		case "error":
			return &Error{Type: ErrTypeInvalidResponse, Provider: c.Name(), Message: gjson.GetBytes(data, "error.message").String()}
		case "message_stop":
			return nil
		}
	}
}

// Complete implements Provider.
func (c *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, sharedClient, c.Name(), c.settings.BaseURL+"/v1/messages", c.headers(), c.body(req, false))
	if err != nil {
		return "", err
	}
	data, err := readBody(c.Name(), resp)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range gjson.GetBytes(data, `content.#(type=="text")#.text`).Array() {
		b.WriteString(block.String())
	}
	return b.String(), nil
}

// Models implements Provider.
func (c *Anthropic) Models(ctx context.Context) ([]model.ModelInfo, error) {
	data, err := getJSON(ctx, c.Name(), c.settings.BaseURL+"/v1/models", c.headers())
	if err != nil {
		return nil, err
	}
	var models []model.ModelInfo
	for _, m := range gjson.GetBytes(data, "data").Array() {
		name := m.Get("display_name").String()
		if name == "" {
			name = m.Get("id").String()
		}
		models = append(models, model.ModelInfo{ID: m.Get("id").String(), Name: name})
	}
	return models, nil
}
