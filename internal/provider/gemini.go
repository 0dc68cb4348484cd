// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// GEMINI CLIENT
// =============================================================================

// Gemini talks to the Google Generative Language API.
type Gemini struct {
	settings Settings
}

// NewGemini creates a Gemini client.
func NewGemini(settings Settings) *Gemini {
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &Gemini{settings: settings}
}

// Name implements Provider.
func (c *Gemini) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  *geminiConfig   `json:"generationConfig,omitempty"`
}

// body maps roles onto Gemini's user/model pair and lifts system messages
// into systemInstruction.
func (c *Gemini) body(req Request) geminiRequest {
	var (
		system   []geminiPart
		contents []geminiContent
	)
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case model.RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	body := geminiRequest{Contents: contents}
	if len(system) > 0 {
		body.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.Temperature != nil || req.TopP != nil {
		body.GenerationConfig = &geminiConfig{Temperature: req.Temperature, TopP: req.TopP}
	}
	return body
}

func (c *Gemini) endpoint(req Request, method string, query url.Values) string {
	name := req.Model
	if name == "" {
		name = c.settings.Model
	}
	name = strings.TrimPrefix(name, "models/")
	return c.settings.BaseURL + "/models/" + url.PathEscape(name) + ":" + method + "?" + query.Encode()
}

func (c *Gemini) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.settings.APIKey}
}

// Stream implements Provider.
func (c *Gemini) Stream(ctx context.Context, req Request, onChunk func(string) error) error {
	u := c.endpoint(req, "streamGenerateContent", url.Values{"alt": {"sse"}})
	resp, err := postJSON(ctx, sharedStreamingClient, c.Name(), u, c.headers(), c.body(req))
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
			return connectionError(c.Name(), err)
		}
		if text := geminiText(data); text != "" {
			if err := onChunk(text); err != nil {
				return err
			}
		}
	}
}

// Complete implements Provider.
func (c *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, sharedClient, c.Name(), c.endpoint(req, "generateContent", url.Values{}), c.headers(), c.body(req))
	if err != nil {
		return "", err
	}
	data, err := readBody(c.Name(), resp)
	if err != nil {
		return "", err
	}
	return geminiText(data), nil
}

// Models implements Provider.
func (c *Gemini) Models(ctx context.Context) ([]model.ModelInfo, error) {
	data, err := getJSON(ctx, c.Name(), c.settings.BaseURL+"/models", c.headers())
	if err != nil {
		return nil, err
	}
	var models []model.ModelInfo
	for _, m := range gjson.GetBytes(data, "models").Array() {
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		name := m.Get("displayName").String()
		if name == "" {
			name = id
		}
		models = append(models, model.ModelInfo{ID: id, Name: name})
	}
	return models, nil
}

func geminiText(data []byte) string {
	var b strings.Builder
	for _, part := range gjson.GetBytes(data, "candidates.0.content.parts.#.text").Array() {
		b.WriteString(part.String())
	}
	return b.String()
}
