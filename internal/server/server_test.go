// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/pacing"
	"github.com/jeranaias/fern/internal/provider"
	"github.com/jeranaias/fern/internal/storage"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// HELPERS
// =============================================================================

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *storage.FileStore
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/chat"
}

// newTestEnv starts a server backed by a temp-dir store whose default
// provider is the echo provider. settings configures extra providers.
func newTestEnv(t *testing.T, settings map[string]provider.Settings) *testEnv {
	t.Helper()
	for _, spec := range provider.Specs {
		if spec.KeyEnv != "" {
			t.Setenv(spec.KeyEnv, "")
		}
	}

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	srv := New(Config{
		Store:           store,
		Providers:       provider.NewRegistry(settings, quietLogger()),
		DefaultProvider: "echo",
		Logger:          quietLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, ts: ts, store: store}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

// streamTurn sends one control frame and collects frames up to and
// including the terminal one.
func streamTurn(t *testing.T, url string, req model.ChatRequest) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&stream.WSDialer{URL: url}).Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(req))

	var frames []string
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frames = append(frames, string(data))
		if string(data) == model.EndOfStream || strings.HasPrefix(string(data), model.ErrorFramePrefix) {
			return frames
		}
	}
}

func userMessages(text string) []model.WireMessage {
	return []model.WireMessage{{Role: model.RoleUser, Content: text}}
}

// fakeOllama records request bodies and streams a fixed NDJSON reply.
type fakeOllama struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if gjson.GetBytes(body, "stream").Bool() {
		fmt.Fprintln(w, `{"message":{"content":"Reasoning: short."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"\n\nAnswer: 42"},"done":true}`)
		return
	}
	fmt.Fprintln(w, `{"message":{"content":"Reasoning: short.\nAnswer: 42"},"done":true}`)
}

func (f *fakeOllama) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

// =============================================================================
// STREAMING CHAT TESTS
// =============================================================================

func TestChatStream_EchoEndsWithSentinel(t *testing.T) {
	env := newTestEnv(t, nil)

	frames := streamTurn(t, env.wsURL(), model.ChatRequest{Messages: userMessages("hello there world")})

	require.NotEmpty(t, frames)
	assert.Equal(t, model.EndOfStream, frames[len(frames)-1])
	assert.Equal(t, "hello there world", strings.Join(frames[:len(frames)-1], ""))
	assert.Greater(t, len(frames), 2, "reply should arrive in several chunks")
}

func TestChatStream_InvalidRequestSendsErrorFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  model.ChatRequest
		want string
	}{
		{"unknown provider", model.ChatRequest{Provider: "azure", Messages: userMessages("hi")}, "unknown provider"},
		{"no messages", model.ChatRequest{}, "messages must not be empty"},
		{"bad role", model.ChatRequest{Messages: []model.WireMessage{{Role: "tool", Content: "x"}}}, "invalid role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := streamTurn(t, env.wsURL(), tt.req)
			require.Len(t, frames, 1)
			assert.True(t, strings.HasPrefix(frames[0], model.ErrorFramePrefix))
			assert.Contains(t, frames[0], tt.want)
		})
	}
}

func TestChatStream_PreparesSystemPromptAndSampling(t *testing.T) {
	fake := &fakeOllama{}
	upstream := httptest.NewServer(fake)
	defer upstream.Close()

	env := newTestEnv(t, map[string]provider.Settings{"ollama": {BaseURL: upstream.URL}})

	temp := 0.3
	conv, err := env.store.Create(context.Background(), storage.NewConversation{SystemPrompt: "be terse", Temperature: &temp})
	require.NoError(t, err)

	frames := streamTurn(t, env.wsURL(), model.ChatRequest{
		Messages:       userMessages("question"),
		Provider:       "ollama",
		Model:          "llama3.2",
		ConversationID: conv.ID,
		Reasoning:      true,
	})
	assert.Equal(t, []string{"Reasoning: short.", "\n\nAnswer: 42", model.EndOfStream}, frames)

	body := fake.last()
	assert.Equal(t, "llama3.2", gjson.GetBytes(body, "model").String())
	assert.Equal(t, model.ReasoningInstruction, gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, "be terse", gjson.GetBytes(body, "messages.1.content").String())
	assert.Equal(t, "question", gjson.GetBytes(body, "messages.2.content").String())
	assert.Equal(t, 0.3, gjson.GetBytes(body, "options.temperature").Float())

	// Streaming never writes to the store.
	stored, err := env.store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Messages)
}

func TestChatStream_UnknownConversationIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)

	frames := streamTurn(t, env.wsURL(), model.ChatRequest{
		Messages:       userMessages("hi"),
		ConversationID: "missing",
	})
	assert.Equal(t, model.EndOfStream, frames[len(frames)-1])
}

// =============================================================================
// NON-STREAMING CHAT TESTS
// =============================================================================

func TestChat_SplitsReasoning(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts.URL+"/api/chat", model.ChatRequest{Messages: userMessages("hello"), Reasoning: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.ChatResponse
	require.NoError(t, json.Unmarshal(readAll(t, resp), &out))
	assert.Equal(t, "hello", out.Answer)
	assert.NotEmpty(t, out.Reasoning)
}

func TestChat_PlainReply(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.ts.URL+"/api/chat", model.ChatRequest{Messages: userMessages("just this")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.ChatResponse
	require.NoError(t, json.Unmarshal(readAll(t, resp), &out))
	assert.Equal(t, "just this", out.Answer)
	assert.Empty(t, out.Reasoning)
}

func TestChat_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, env.ts.URL+"/api/chat", model.ChatRequest{Provider: "azure", Messages: userMessages("hi")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, gjson.GetBytes(readAll(t, resp), "error").String(), "unknown provider")
}

func TestChat_ProviderFailureIsBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, map[string]provider.Settings{"ollama": {BaseURL: upstream.URL}})

	resp := postJSON(t, env.ts.URL+"/api/chat", model.ChatRequest{Provider: "ollama", Messages: userMessages("hi")})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, gjson.GetBytes(readAll(t, resp), "error").String(), "out of memory")
}

// =============================================================================
// CONVERSATION API TESTS
// =============================================================================

func TestConversations_RemoteStoreRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	remote := storage.NewRemoteStore(env.ts.URL)

	a, err := remote.Create(ctx, storage.NewConversation{Title: "first"})
	require.NoError(t, err)
	b, err := remote.Create(ctx, storage.NewConversation{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, b.Title)

	msgs := []model.Message{model.NewUserMessage("hi"), model.NewAssistantMessage("hello", "greeting")}
	patched, err := remote.Patch(ctx, a.ID, storage.SetMessages(msgs))
	require.NoError(t, err)
	require.Len(t, patched.Messages, 2)
	assert.Equal(t, "greeting", patched.Messages[1].Reasoning)

	pinned := true
	_, err = remote.Patch(ctx, b.ID, storage.Patch{Pinned: &pinned})
	require.NoError(t, err)

	items, err := remote.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, b.ID, items[0].ID, "pinned conversation is listed first")

	require.NoError(t, remote.Delete(ctx, a.ID))
	_, err = remote.Get(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = remote.Patch(ctx, a.ID, storage.Patch{Pinned: &pinned})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConversations_CreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.ts.URL+"/api/conversations", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "empty body creates a default conversation")
	assert.NotEmpty(t, gjson.GetBytes(readAll(t, resp), "id").String())

	resp = postJSON(t, env.ts.URL+"/api/conversations", map[string]string{"id": "../escape"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// MODELS, HEALTH AND METRICS TESTS
// =============================================================================

func TestModels(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/api/models/openai")
	require.NoError(t, err)
	body := readAll(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "models.0.id").String())
	assert.True(t, gjson.GetBytes(body, "note").Exists(), "openai has no key in tests")

	resp, err = http.Get(env.ts.URL + "/api/models/echo")
	require.NoError(t, err)
	body = readAll(t, resp)
	assert.False(t, gjson.GetBytes(body, "note").Exists())

	resp, err = http.Get(env.ts.URL + "/api/models/azure")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProvidersAndHealth(t *testing.T) {
	env := newTestEnv(t, map[string]provider.Settings{"mistral": {APIKey: "m"}})

	resp, err := http.Get(env.ts.URL + "/api/providers")
	require.NoError(t, err)
	body := readAll(t, resp)
	assert.True(t, gjson.GetBytes(body, `providers.#(name=="mistral").configured`).Bool())
	assert.False(t, gjson.GetBytes(body, `providers.#(name=="openai").configured`).Bool())

	env.srv.SetDefaults("mistral", "mistral-small-latest")
	resp, err = http.Get(env.ts.URL + "/api/health")
	require.NoError(t, err)
	body = readAll(t, resp)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "mistral", gjson.GetBytes(body, "default_provider").String())
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestMetrics_CountsStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	streamTurn(t, env.wsURL(), model.ChatRequest{Messages: userMessages("count me")})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	body := string(readAll(t, resp))
	assert.Contains(t, body, `fern_streams_total{outcome="ok",provider="echo"} 1`)
	assert.Contains(t, body, `fern_stream_chunks_total{provider="echo"} 2`)
}

// =============================================================================
// END-TO-END TESTS
// =============================================================================

// TestManagerAgainstServer drives a client-side manager over the real
// websocket, fallback and conversation endpoints.
func TestManagerAgainstServer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	mgr := conversation.NewManager(
		storage.NewRemoteStore(env.ts.URL),
		&stream.WSDialer{URL: env.wsURL()},
		stream.NewHTTPCompleter(env.ts.URL+"/api/chat"),
		conversation.Config{
			Settings: conversation.Settings{Provider: "echo", Reasoning: true},
			Pacing:   pacing.Options{Period: time.Millisecond, Slice: 8},
			Logger:   quietLogger(),
		},
		nil,
	)

	turn, err := mgr.SendTurn(ctx, "Hello")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := turn.Wait(waitCtx)
	require.NoError(t, err)
	require.False(t, out.Failed(), "turn failed: %v", out.Err)
	assert.False(t, out.Fallback)

	stored, err := env.store.Get(ctx, turn.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Title)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "Hello", stored.Messages[1].Content)
	assert.NotEmpty(t, stored.Messages[1].Reasoning)
}

func TestManagerFallsBackWhenWebsocketIsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	mgr := conversation.NewManager(
		storage.NewRemoteStore(env.ts.URL),
		&stream.WSDialer{URL: "ws://127.0.0.1:1/ws/chat", HandshakeTimeout: time.Second},
		stream.NewHTTPCompleter(env.ts.URL+"/api/chat"),
		conversation.Config{
			Settings: conversation.Settings{Provider: "echo"},
			Pacing:   pacing.Options{Period: time.Millisecond},
			Logger:   quietLogger(),
		},
		nil,
	)

	turn, err := mgr.SendTurn(ctx, "fallback please")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := turn.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.True(t, out.Committed)

	stored, err := env.store.Get(ctx, turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "fallback please", stored.Messages[1].Content)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	unlimited := NewRateLimiter(0, 0)
	defer unlimited.Close()
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("10.0.0.1"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	defer rl.Close()
	h := RateLimitMiddleware(rl, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestBodyLimitMiddleware(t *testing.T) {
	h := BodyLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this is far too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted forwarder ignored", "203.0.113.5:1234", "198.51.100.1", "", "203.0.113.5"},
		{"trusted forwarder", "127.0.0.1:1234", "198.51.100.1, 10.0.0.1", "", "198.51.100.1"},
		{"trusted real ip", "10.1.2.3:80", "", "198.51.100.2", "198.51.100.2"},
		{"invalid header", "127.0.0.1:1234", "not-an-ip", "", "127.0.0.1"},
		{"no port", "198.51.100.3", "", "", "198.51.100.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestUpgradeThroughMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "héll...", truncateString("héllo wörld", 4))
}
