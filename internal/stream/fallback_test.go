// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fern/internal/model"
)

func TestHTTPCompleter_Complete(t *testing.T) {
	var got model.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"answer":"42","reasoning":"multiplied","model":"gpt-4o-mini"}`))
	}))
	defer srv.Close()

	c := NewHTTPCompleter(srv.URL)
	req := model.ChatRequest{
		Messages: model.WireMessages([]model.Message{model.NewUserMessage("6x7?")}),
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}
	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Answer)
	assert.Equal(t, "multiplied", resp.Reasoning)
	assert.Equal(t, req.Messages, got.Messages)
}

func TestHTTPCompleter_NullReasoning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"answer":"hi","reasoning":null}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPCompleter(srv.URL).Complete(context.Background(), model.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Answer)
	assert.Empty(t, resp.Reasoning)
}

func TestHTTPCompleter_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"provider down"}`))
		}))
		defer srv.Close()

		_, err := NewHTTPCompleter(srv.URL).Complete(context.Background(), model.ChatRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider down")
	})

	t.Run("invalid json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		_, err := NewHTTPCompleter(srv.URL).Complete(context.Background(), model.ChatRequest{})
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewHTTPCompleter("http://127.0.0.1:1/api/chat").Complete(context.Background(), model.ChatRequest{})
		require.Error(t, err)
		assert.Equal(t, KindConnection, KindOf(err))
	})
}
