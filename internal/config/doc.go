// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates and saves fern's TOML configuration.
//
// # Sections
//
//   - [server]: listen address, conversation store, rate limit
//   - [client]: server URL, typewriter tick and slice, reasoning default
//   - [model]: default provider, model and sampling parameters
//   - [logging]: logrus level and format
//   - [providers.<name>]: base URL and API key overrides
//
// # Precedence
//
// Values are resolved from (highest first):
//   - Environment variables (FERN_SERVER_ADDR, FERN_MODEL_PROVIDER, ...)
//   - ~/.fern/config.toml
//   - Built-in defaults
//
// Provider API keys are also read from the provider's own variable
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...) by the provider registry.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	registry := provider.NewRegistry(cfg.ProviderSettings(), nil)
//
//	config.Watch(ctx, path, logger, func(cfg *config.Config) {
//	    registry.Update(cfg.ProviderSettings())
//	})
package config
