// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// REMOTE STORE
// =============================================================================

// RemoteStore talks to a fern server's /api/conversations endpoints.
type RemoteStore struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8000.
	BaseURL string
	Client  *http.Client
}

// NewRemoteStore returns a store for the server at baseURL.
func NewRemoteStore(baseURL string) *RemoteStore {
	return &RemoteStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Create implements Store.
func (s *RemoteStore) Create(ctx context.Context, req NewConversation) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.do(ctx, http.MethodPost, "/api/conversations", req, &conv); err != nil {
		return nil, err
	}
	return normalize(&conv), nil
}

// Get implements Store.
func (s *RemoteStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.do(ctx, http.MethodGet, conversationPath(id), nil, &conv); err != nil {
		return nil, err
	}
	return normalize(&conv), nil
}

// Patch implements Store.
func (s *RemoteStore) Patch(ctx context.Context, id string, p Patch) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.do(ctx, http.MethodPatch, conversationPath(id), p, &conv); err != nil {
		return nil, err
	}
	return normalize(&conv), nil
}

// Delete implements Store.
func (s *RemoteStore) Delete(ctx context.Context, id string) error {
	err := s.do(ctx, http.MethodDelete, conversationPath(id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// List implements Store.
func (s *RemoteStore) List(ctx context.Context) ([]model.Summary, error) {
	var out struct {
		Conversations []model.Summary `json:"conversations"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		return []model.Summary{}, nil
	}
	return out.Conversations, nil
}

func (s *RemoteStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

func normalize(conv *model.Conversation) *model.Conversation {
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return conv
}
