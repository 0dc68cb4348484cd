// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Client.TickMS)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[model]
provider = "Anthropic"
name = "claude-3-haiku-20240307"
temperature = 0.4

[client]
reasoning = true

[providers.ollama]
base_url = "http://gpu-box:11434"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	require.NotNil(t, cfg.Model.Temperature)
	assert.Equal(t, 0.4, *cfg.Model.Temperature)
	assert.Nil(t, cfg.Model.TopP)
	assert.True(t, cfg.Client.Reasoning)
	assert.Equal(t, 1, cfg.Client.Slice)
	assert.Equal(t, "file", cfg.Server.Store)
	assert.Equal(t, "http://gpu-box:11434", cfg.Providers["ollama"].BaseURL)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions are tightened on load")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "127.0.0.1:9000"
`)
	t.Setenv("FERN_SERVER_ADDR", "0.0.0.0:9100")
	t.Setenv("FERN_MODEL_PROVIDER", "ollama")
	t.Setenv("FERN_CLIENT_REASONING", "true")
	t.Setenv("FERN_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr)
	assert.Equal(t, "ollama", cfg.Model.Provider)
	assert.True(t, cfg.Client.Reasoning)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("FERN_CLIENT_TICK_MS", "fast")
	_, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[server\naddr="))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[model]\nprovider = \"azure\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.provider")
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "nowhere"
	cfg.Server.Store = "postgres"
	cfg.Client.TickMS = 0
	cfg.Client.ServerURL = "ftp://x"
	hot := 3.0
	cfg.Model.Temperature = &hot
	cfg.Logging.Format = "xml"
	cfg.Providers["bogus"] = ProviderConfig{}

	err := cfg.Validate()
	require.Error(t, err)
	verrs, ok := err.(ValidateErrors)
	require.True(t, ok)

	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	assert.ElementsMatch(t, []string{
		"server.addr",
		"server.database_url",
		"client.server_url",
		"client.tick_ms",
		"model.temperature",
		"logging.format",
		"providers.bogus",
	}, fields)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Model.Provider = "mistral"
	cfg.Model.Name = "mistral-small-latest"
	cfg.Providers["mistral"] = ProviderConfig{APIKey: "secret"}
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mistral-small-latest", loaded.Model.Name)
	assert.Equal(t, "secret", loaded.Providers["mistral"].APIKey)
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("client.tick_ms", "8"))
	v, err := cfg.Get("client.tick_ms")
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	require.NoError(t, cfg.Set("model.temperature", "0.7"))
	v, err = cfg.Get("model.temperature")
	require.NoError(t, err)
	assert.Equal(t, 0.7, v)

	require.NoError(t, cfg.Set("providers.openai.api_key", "sk-test"))
	v, err = cfg.Get("providers.openai.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)

	assert.Error(t, cfg.Set("client.reasoning", "maybe"))
	assert.Error(t, cfg.Set("client.nope", "1"))
	assert.Error(t, cfg.Set("providers.azure.api_key", "x"))
	_, err = cfg.Get("server")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "server.addr")
	assert.Contains(t, keys, "model.top_p")
	assert.Contains(t, keys, "logging.format")
	for _, k := range keys {
		_, err := Default().Get(k)
		assert.NoError(t, err, k)
	}
}

func TestProviderSettings(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "ollama"
	cfg.Model.Name = "llama3.2"
	cfg.Providers["openai"] = ProviderConfig{APIKey: "k", BaseURL: "http://proxy/v1"}

	s := cfg.ProviderSettings()
	assert.Equal(t, "llama3.2", s["ollama"].Model)
	assert.Equal(t, "k", s["openai"].APIKey)
	assert.Equal(t, "http://proxy/v1", s["openai"].BaseURL)
	assert.Empty(t, s["openai"].Model)
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Providers["openai"] = ProviderConfig{APIKey: "sk-live"}
	cfg.Server.DatabaseURL = "postgres://u:p@h/db"

	s := cfg.String()
	assert.NotContains(t, s, "sk-live")
	assert.NotContains(t, s, "u:p@h")
	assert.Equal(t, "sk-live", cfg.Providers["openai"].APIKey, "original is untouched")
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "[model]\nprovider = \"openai\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg }))

	// An invalid write is skipped.
	require.NoError(t, os.WriteFile(path, []byte("[model]\nprovider = \"azure\"\n"), 0600))
	time.Sleep(2 * DefaultWatchDebounce)
	require.NoError(t, os.WriteFile(path, []byte("[model]\nprovider = \"gemini\"\n"), 0600))

	select {
	case cfg := <-changes:
		assert.Equal(t, "gemini", cfg.Model.Provider)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestLoadFile_IgnoresEnvironment(t *testing.T) {
	path := writeConfig(t, "[server]\naddr = \"127.0.0.1:9000\"\n")
	t.Setenv("FERN_SERVER_ADDR", "0.0.0.0:9100")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Server.Store)
}
