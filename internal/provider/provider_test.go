// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/model"
)

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func userRequest(text string) Request {
	return Request{Messages: []model.WireMessage{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: text},
	}}
}

func collect(t *testing.T, p Provider, req Request) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var b strings.Builder
	err := p.Stream(ctx, req, func(chunk string) error {
		b.WriteString(chunk)
		return nil
	})
	return b.String(), err
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := ": keepalive\n\n" +
		"event: ping\ndata: {\"a\":1}\n\n" +
		"data: line one\ndata: line two\r\n\r\n" +
		"id: 7\ndata: tail"

	r := newSSEReader(strings.NewReader(input))

	event, data, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, "ping", event)
	assert.Equal(t, `{"a":1}`, string(data))

	event, data, err = r.next()
	require.NoError(t, err)
	assert.Empty(t, event)
	assert.Equal(t, "line one\nline two", string(data))

	_, data, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))

	_, _, err = r.next()
	assert.Equal(t, io.EOF, err)
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"openai shape", 401, `{"error":{"message":"bad key"}}`, ErrAuthFailed, "bad key"},
		{"flat error", 429, `{"error":"slow down"}`, ErrRateLimited, "slow down"},
		{"detail", 404, `{"detail":"no such model"}`, ErrModelNotFound, "no such model"},
		{"plain text", 500, "upstream exploded", nil, "upstream exploded"},
		{"empty body", 502, "", nil, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errorFromResponse("openai", tt.status, []byte(tt.body))

			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.Status)
			assert.Equal(t, tt.message, perr.Message)
			assert.Contains(t, err.Error(), "openai: ")
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			} else {
				assert.Equal(t, ErrTypeInvalidResponse, perr.Type)
			}
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := connectionError("ollama", cause)

	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, "ollama: request failed: dial tcp: refused", err.Error())
}

// =============================================================================
// OPENAI-COMPATIBLE TESTS
// =============================================================================

func TestOpenAI_Stream(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer server.Close()

	temp := 0.2
	req := userRequest("hi")
	req.Temperature = &temp
	p := NewOpenAI("openai", Settings{BaseURL: server.URL + "/", APIKey: "sk-test", Model: "gpt-4o"})

	text, err := collect(t, p, req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "model").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.Equal(t, 0.2, gjson.GetBytes(body, "temperature").Float())
	assert.False(t, gjson.GetBytes(body, "top_p").Exists())
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
}

func TestOpenAI_StreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := NewOpenAI("openrouter", Settings{BaseURL: server.URL, APIKey: "k"})
	text, err := collect(t, p, userRequest("hi"))

	assert.Equal(t, "par", text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestOpenAI_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	p := NewOpenAI("openai", Settings{BaseURL: server.URL, APIKey: "bad"})
	_, err := collect(t, p, userRequest("hi"))
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = p.Complete(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenAI_OnChunkErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
	}))
	defer server.Close()

	stop := errors.New("stop")
	calls := 0
	p := NewOpenAI("openai", Settings{BaseURL: server.URL})
	err := p.Stream(context.Background(), userRequest("hi"), func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestOpenAI_CompleteAndModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}]}`))
		case "/models":
			w.Write([]byte(`{"data":[{"id":"a","name":"Model A"},{"id":"b"},{"name":"no id"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	p := NewOpenAI("vllm", Settings{BaseURL: server.URL})

	text, err := p.Complete(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	models, err := p.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ModelInfo{{ID: "a", Name: "Model A"}, {ID: "b", Name: "b"}}, models)
}

func TestOpenAI_CompleteWithoutChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	p := NewOpenAI("openai", Settings{BaseURL: server.URL})
	_, err := p.Complete(context.Background(), userRequest("hi"))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrTypeInvalidResponse, perr.Type)
}

// =============================================================================
// ANTHROPIC TESTS
// =============================================================================

func TestAnthropic_Stream(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		body, _ = io.ReadAll(r.Body)

		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := NewAnthropic(Settings{BaseURL: server.URL, APIKey: "k", Model: "claude-3-haiku-20240307"})
	text, err := collect(t, p, userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)

	assert.Equal(t, "be brief", gjson.GetBytes(body, "system").String())
	assert.Equal(t, int64(1), gjson.GetBytes(body, "messages.#").Int())
	assert.Equal(t, "user", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, int64(anthropicMaxTokens), gjson.GetBytes(body, "max_tokens").Int())
}

func TestAnthropic_StreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := NewAnthropic(Settings{BaseURL: server.URL, APIKey: "k"})
	_, err := collect(t, p, userRequest("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Overloaded")
}

func TestAnthropic_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"one "},{"type":"tool_use","id":"x"},{"type":"text","text":"two"}]}`))
	}))
	defer server.Close()

	p := NewAnthropic(Settings{BaseURL: server.URL, APIKey: "k"})
	text, err := p.Complete(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "one two", text)
}

// =============================================================================
// GEMINI TESTS
// =============================================================================

func TestGemini_Stream(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		body, _ = io.ReadAll(r.Body)

		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bon\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"jour\"}]}}]}\n\n")
	}))
	defer server.Close()

	req := userRequest("hello")
	req.Messages = append(req.Messages,
		model.WireMessage{Role: model.RoleAssistant, Content: "hey"},
		model.WireMessage{Role: model.RoleUser, Content: "again"})
	req.Model = "models/gemini-2.5-flash"

	p := NewGemini(Settings{BaseURL: server.URL, APIKey: "g-key"})
	text, err := collect(t, p, req)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", text)

	assert.Equal(t, "be brief", gjson.GetBytes(body, "systemInstruction.parts.0.text").String())
	assert.Equal(t, `["user","model","user"]`, gjson.GetBytes(body, "contents.#.role").Raw)
	assert.False(t, gjson.GetBytes(body, "generationConfig").Exists())
}

func TestGemini_Models(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-pro","displayName":"Gemini 2.5 Pro"},{"name":"models/embedding-001"}]}`))
	}))
	defer server.Close()

	p := NewGemini(Settings{BaseURL: server.URL, APIKey: "g"})
	models, err := p.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro"},
		{ID: "embedding-001", Name: "embedding-001"},
	}, models)
}

// =============================================================================
// OLLAMA TESTS
// =============================================================================

func TestOllama_Stream(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"The "},"done":false}`)
		fmt.Fprintln(w, `garbage`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"end"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"after done"},"done":false}`)
	}))
	defer server.Close()

	p := NewOllama(Settings{BaseURL: server.URL, Model: "llama3.2"})
	text, err := collect(t, p, userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "The end", text)
	assert.Equal(t, "llama3.2", gjson.GetBytes(body, "model").String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
}

func TestOllama_StreamErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model 'nope' not found"}`)
	}))
	defer server.Close()

	p := NewOllama(Settings{BaseURL: server.URL})
	_, err := collect(t, p, userRequest("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOllama_CompleteModelsAndCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte("Ollama is running"))
		case "/api/chat":
			assert.False(t, gjson.GetBytes(mustRead(r), "stream").Bool())
			w.Write([]byte(`{"message":{"role":"assistant","content":"pong"},"done":true}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3.2:latest"},{"name":"qwen2.5:7b"}]}`))
		}
	}))
	defer server.Close()

	p := NewOllama(Settings{BaseURL: server.URL})
	require.NoError(t, p.CheckRunning(context.Background()))

	text, err := p.Complete(context.Background(), userRequest("ping"))
	require.NoError(t, err)
	assert.Equal(t, "pong", text)

	models, err := p.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "qwen2.5:7b", models[1].ID)
}

func TestOllama_NotRunning(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p := NewOllama(Settings{BaseURL: url})
	err := p.CheckRunning(context.Background())

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrTypeConnection, perr.Type)
}

func mustRead(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	return data
}

// =============================================================================
// ECHO TESTS
// =============================================================================

func TestEcho_Stream(t *testing.T) {
	e := &Echo{}
	text, err := collect(t, e, userRequest("say  this\nback"))
	require.NoError(t, err)
	assert.Equal(t, "say  this\nback", text)
}

func TestEcho_ReasoningSection(t *testing.T) {
	e := &Echo{}
	req := userRequest("42")
	req.Messages = model.PrepareMessages(req.Messages, "", true)

	text, err := e.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "Reasoning: "))
	assert.True(t, strings.HasSuffix(text, "\n\nAnswer: 42"))
}

func TestEcho_StreamHonoursCancel(t *testing.T) {
	e := &Echo{Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Stream(ctx, userRequest("a b c"), func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitWords(t *testing.T) {
	tests := map[string][]string{
		"":          nil,
		"one":       {"one"},
		"one two":   {"one ", "two"},
		" lead":     {" ", "lead"},
		"a\n\nb  ": {"a\n\n", "b  "},
		"x y z":     {"x ", "y ", "z"},
	}
	for in, want := range tests {
		got := splitWords(in)
		assert.Equal(t, want, got, "input %q", in)
		assert.Equal(t, in, strings.Join(got, ""))
	}
}

// =============================================================================
// REGISTRY TESTS
// =============================================================================

func clearKeys(t *testing.T) {
	for _, spec := range Specs {
		if spec.KeyEnv != "" {
			t.Setenv(spec.KeyEnv, "")
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	clearKeys(t)
	reg := NewRegistry(map[string]Settings{
		"openai": {APIKey: "sk"},
	}, quietLogger())

	p, err := reg.Resolve("OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.IsType(t, &OpenAI{}, p)

	// No key: echo stands in.
	p, err = reg.Resolve("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Name())

	// Keyless local backends resolve directly.
	p, err = reg.Resolve("ollama")
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, p)

	p, err = reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Name())

	_, err = reg.Resolve("azure")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRegistry_KeyFromEnvironment(t *testing.T) {
	clearKeys(t)
	t.Setenv("GEMINI_API_KEY", "from-env")

	reg := NewRegistry(nil, quietLogger())
	assert.True(t, reg.Configured("gemini"))
	assert.False(t, reg.Configured("mistral"))

	p, err := reg.Resolve("gemini")
	require.NoError(t, err)
	assert.IsType(t, &Gemini{}, p)

	reg.Update(map[string]Settings{"mistral": {APIKey: "m"}})
	assert.True(t, reg.Configured("mistral"))
}

func TestRegistry_ListModels(t *testing.T) {
	clearKeys(t)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"models":[{"name":"local:1b"}]}`))
	}))
	defer server.Close()

	reg := NewRegistry(map[string]Settings{
		"ollama": {BaseURL: server.URL},
		"vllm":   {BaseURL: "http://127.0.0.1:1"},
	}, quietLogger())

	models, err := reg.ListModels(context.Background(), "ollama")
	require.NoError(t, err)
	assert.Equal(t, []model.ModelInfo{{ID: "local:1b", Name: "local:1b"}}, models)
	assert.Equal(t, int32(1), hits.Load())

	// Catalog providers never hit the network.
	models, err = reg.ListModels(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, model.CatalogFor("openai"), models)

	// Live listing failure falls back to the (empty) catalog.
	models, err = reg.ListModels(context.Background(), "vllm")
	require.NoError(t, err)
	assert.Empty(t, models)

	_, err = reg.ListModels(context.Background(), "azure")
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Len(t, names, len(Specs))
	assert.Equal(t, "anthropic", names[0])
	assert.Contains(t, names, "echo")
}
