// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry resolves provider names to clients.
type Registry struct {
	mu       sync.RWMutex
	settings map[string]Settings
	echo     *Echo
	logger   *log.Entry
}

// NewRegistry creates a registry from per-provider settings keyed by name.
// Missing base URLs and API keys are filled from Specs and the environment.
func NewRegistry(settings map[string]Settings, logger *log.Entry) *Registry {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	r := &Registry{echo: NewEcho(), logger: logger}
	r.Update(settings)
	return r
}

// Update replaces the provider settings. Safe to call while requests are
// in flight; they keep the client they resolved.
func (r *Registry) Update(settings map[string]Settings) {
	merged := make(map[string]Settings, len(Specs))
	for name, spec := range Specs {
		s := settings[name]
		if s.BaseURL == "" {
			s.BaseURL = spec.BaseURL
		}
		if s.APIKey == "" && spec.KeyEnv != "" {
			s.APIKey = os.Getenv(spec.KeyEnv)
		}
		merged[name] = s
	}

	r.mu.Lock()
	r.settings = merged
	r.mu.Unlock()
}

// Configured reports whether name can be used without falling back to echo.
func (r *Registry) Configured(name string) bool {
	spec, ok := Specs[strings.ToLower(name)]
	if !ok {
		return false
	}
	if spec.Keyless {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings[spec.Name].APIKey != ""
}

// Resolve returns the client for name. Known providers without an API key
// resolve to the echo provider so a fresh install still answers. Unknown
// names return ErrNotConfigured.
func (r *Registry) Resolve(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "echo"
	}
	spec, ok := Specs[name]
	if !ok {
		return nil, &Error{Type: ErrTypeNotConfigured, Provider: name, Message: "unknown provider"}
	}
	if !r.Configured(name) {
		r.logger.WithField("provider", name).Warn("Provider has no API key, using echo")
		return r.echo, nil
	}

	r.mu.RLock()
	s := r.settings[name]
	r.mu.RUnlock()

	switch spec.Kind {
	case KindAnthropic:
		return NewAnthropic(s), nil
	case KindGemini:
		return NewGemini(s), nil
	case KindOllama:
		return NewOllama(s), nil
	case KindEcho:
		return r.echo, nil
	default:
		return NewOpenAI(name, s), nil
	}
}

// ListModels returns the models offered by name. Providers that can be
// enumerated are asked live; on failure, or for the rest, the built-in
// catalog is returned.
func (r *Registry) ListModels(ctx context.Context, name string) ([]model.ModelInfo, error) {
	name = strings.ToLower(name)
	spec, ok := Specs[name]
	if !ok {
		return nil, &Error{Type: ErrTypeNotConfigured, Provider: name, Message: "unknown provider"}
	}
	if spec.LiveModels && r.Configured(name) {
		p, err := r.Resolve(name)
		if err == nil {
			models, err := p.Models(ctx)
			if err == nil && len(models) > 0 {
				return models, nil
			}
			if err != nil {
				r.logger.WithError(err).WithField("provider", name).Debug("Live model listing failed, using catalog")
			}
		}
	}
	return model.CatalogFor(name), nil
}

// Names returns every known provider name, sorted.
func Names() []string {
	names := make([]string, 0, len(Specs))
	for name := range Specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
