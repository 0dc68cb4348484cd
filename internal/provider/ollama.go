// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// OLLAMA CLIENT
// =============================================================================

// Ollama talks to a local Ollama server. Streaming responses are
// newline-delimited JSON objects rather than SSE.
type Ollama struct {
	settings Settings
}

// NewOllama creates an Ollama client.
// Note: the default base URL uses 127.0.0.1 instead of localhost to avoid
// IPv6 resolution issues on Windows.
func NewOllama(settings Settings) *Ollama {
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &Ollama{settings: settings}
}

// Name implements Provider.
func (c *Ollama) Name() string { return "ollama" }

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type ollamaRequest struct {
	Model    string              `json:"model"`
	Messages []model.WireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

func (c *Ollama) body(req Request, stream bool) ollamaRequest {
	name := req.Model
	if name == "" {
		name = c.settings.Model
	}
	body := ollamaRequest{Model: name, Messages: req.Messages, Stream: stream}
	if req.Temperature != nil || req.TopP != nil {
		body.Options = &ollamaOptions{Temperature: req.Temperature, TopP: req.TopP}
	}
	return body
}

// CheckRunning verifies that Ollama is reachable.
func (c *Ollama) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.BaseURL, nil)
	if err != nil {
		return connectionError(c.Name(), err)
	}
	resp, err := send(sharedClient, c.Name(), req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stream implements Provider.
func (c *Ollama) Stream(ctx context.Context, req Request, onChunk func(string) error) error {
	// SECURITY: TLS not required - Ollama runs locally on localhost (127.0.0.1) over HTTP
	resp, err := postJSON(ctx, sharedStreamingClient, c.Name(), c.settings.BaseURL+"/api/chat", nil, c.body(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			done, cerr := c.handleLine(line, onChunk)
			if cerr != nil || done {
				return cerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return connectionError(c.Name(), err)
		}
	}
}

// handleLine processes one NDJSON object and reports whether it was the
// final one. Malformed lines are skipped.
func (c *Ollama) handleLine(line []byte, onChunk func(string) error) (bool, error) {
	if !gjson.ValidBytes(line) {
		return false, nil
	}
	if msg := gjson.GetBytes(line, "error"); msg.Exists() {
		return true, &Error{Type: ErrTypeInvalidResponse, Provider: c.Name(), Message: msg.String()}
	}
	if content := gjson.GetBytes(line, "message.content").String(); content != "" {
		if err := onChunk(content); err != nil {
			return true, err
		}
	}
	return gjson.GetBytes(line, "done").Bool(), nil
}

// Complete implements Provider.
func (c *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := postJSON(ctx, sharedClient, c.Name(), c.settings.BaseURL+"/api/chat", nil, c.body(req, false))
	if err != nil {
		return "", err
	}
	data, err := readBody(c.Name(), resp)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "message.content").String(), nil
}

// Models implements Provider.
func (c *Ollama) Models(ctx context.Context) ([]model.ModelInfo, error) {
	data, err := getJSON(ctx, c.Name(), c.settings.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	var models []model.ModelInfo
	for _, m := range gjson.GetBytes(data, "models.#.name").Array() {
		models = append(models, model.ModelInfo{ID: m.String(), Name: m.String()})
	}
	return models, nil
}
