// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// NON-STREAMING FALLBACK
// =============================================================================

// Completer performs one synchronous request/response turn.
type Completer interface {
	Complete(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error)
}

// HTTPCompleter posts the control frame to the backend's /api/chat endpoint.
type HTTPCompleter struct {
	// URL is the full endpoint, e.g. http://127.0.0.1:8000/api/chat.
	URL string

	// Client is the HTTP client (default: 120s timeout).
	Client *http.Client
}

// NewHTTPCompleter creates a completer for url.
func NewHTTPCompleter(url string) *HTTPCompleter {
	return &HTTPCompleter{
		URL:    url,
		Client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete implements Completer.
func (c *HTTPCompleter) Complete(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, newError(KindConnection, "fallback request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read chat response")
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, errors.Errorf("chat endpoint returned %d: %s", resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New("chat endpoint returned invalid JSON")
	}

	parsed := gjson.ParseBytes(data)
	return &model.ChatResponse{
		Answer:    parsed.Get("answer").String(),
		Reasoning: parsed.Get("reasoning").String(),
		Model:     parsed.Get("model").String(),
	}, nil
}
