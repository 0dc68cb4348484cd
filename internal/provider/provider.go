// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// Request is one chat completion request, already prepared by the caller
// (system prompt and reasoning instruction included).
type Request struct {
	Messages    []model.WireMessage
	Model       string
	Temperature *float64
	TopP        *float64
}

// Provider is a model backend.
type Provider interface {
	// Name is the registry key, e.g. "openai".
	Name() string

	// Stream calls onChunk for each text delta in arrival order. An error
	// from onChunk aborts the stream and is returned.
	Stream(ctx context.Context, req Request, onChunk func(chunk string) error) error

	// Complete returns the full reply text.
	Complete(ctx context.Context, req Request) (string, error)

	// Models lists the models the backend currently offers.
	Models(ctx context.Context) ([]model.ModelInfo, error)
}

// Settings is the user configuration for one provider.
type Settings struct {
	BaseURL string
	APIKey  string
	// Model is used when a request names none.
	Model string
}

// Kind selects the wire protocol of a provider.
type Kind int

const (
	KindOpenAI Kind = iota
	KindAnthropic
	KindGemini
	KindOllama
	KindEcho
)

// Spec describes a known provider.
type Spec struct {
	Name    string
	Kind    Kind
	BaseURL string
	// KeyEnv is the environment variable holding the API key.
	KeyEnv string
	// Keyless providers run locally and need no API key.
	Keyless bool
	// LiveModels providers are asked for their model list rather than
	// using the built-in catalog.
	LiveModels bool
}

// Specs lists every provider fern knows how to talk to.
var Specs = map[string]Spec{
	"openai":     {Name: "openai", Kind: KindOpenAI, BaseURL: "https://api.openai.com/v1", KeyEnv: "OPENAI_API_KEY"},
	"openrouter": {Name: "openrouter", Kind: KindOpenAI, BaseURL: "https://openrouter.ai/api/v1", KeyEnv: "OPENROUTER_API_KEY", LiveModels: true},
	"together":   {Name: "together", Kind: KindOpenAI, BaseURL: "https://api.together.xyz/v1", KeyEnv: "TOGETHER_API_KEY"},
	"fireworks":  {Name: "fireworks", Kind: KindOpenAI, BaseURL: "https://api.fireworks.ai/inference/v1", KeyEnv: "FIREWORKS_API_KEY"},
	"perplexity": {Name: "perplexity", Kind: KindOpenAI, BaseURL: "https://api.perplexity.ai", KeyEnv: "PERPLEXITY_API_KEY"},
	"mistral":    {Name: "mistral", Kind: KindOpenAI, BaseURL: "https://api.mistral.ai/v1", KeyEnv: "MISTRAL_API_KEY"},
	"deepseek":   {Name: "deepseek", Kind: KindOpenAI, BaseURL: "https://api.deepseek.com/v1", KeyEnv: "DEEPSEEK_API_KEY"},
	"litellm":    {Name: "litellm", Kind: KindOpenAI, BaseURL: "http://127.0.0.1:4000/v1", KeyEnv: "LITELLM_API_KEY", Keyless: true, LiveModels: true},
	"vllm":       {Name: "vllm", Kind: KindOpenAI, BaseURL: "http://127.0.0.1:8001/v1", KeyEnv: "VLLM_API_KEY", Keyless: true, LiveModels: true},
	"anthropic":  {Name: "anthropic", Kind: KindAnthropic, BaseURL: "https://api.anthropic.com", KeyEnv: "ANTHROPIC_API_KEY"},
	"gemini":     {Name: "gemini", Kind: KindGemini, BaseURL: "https://generativelanguage.googleapis.com/v1beta", KeyEnv: "GEMINI_API_KEY"},
	"ollama":     {Name: "ollama", Kind: KindOllama, BaseURL: "http://127.0.0.1:11434", Keyless: true, LiveModels: true},
	"echo":       {Name: "echo", Kind: KindEcho, Keyless: true},
}

// =============================================================================
// SHARED HTTP
// =============================================================================

var (
	// sharedClient is used for non-streaming requests.
	sharedClient = &http.Client{Timeout: 120 * time.Second}

	// sharedStreamingClient has no timeout; streams are bounded by ctx.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// postJSON sends body to url and returns the response when the status is
// 200. The caller closes the body.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, invalidResponse(provider, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, connectionError(provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(client, provider, req)
}

// getJSON fetches url and returns the body of a 200 response.
func getJSON(ctx context.Context, provider, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, connectionError(provider, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := send(sharedClient, provider, req)
	if err != nil {
		return nil, err
	}
	return readBody(provider, resp)
}

func send(client *http.Client, provider string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, connectionError(provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, errorFromResponse(provider, resp.StatusCode, body)
	}
	return resp, nil
}

func readBody(provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, connectionError(provider, err)
	}
	return data, nil
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a stream.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the event type and data of the next event, or io.EOF.
// Comment lines and id/retry fields are ignored.
func (s *sseReader) next() (string, []byte, error) {
	var (
		eventType string
		dataLines [][]byte
	)
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if err == io.EOF {
				return "", nil, io.EOF
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}

		if err == io.EOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}
