// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/pacing"
	"github.com/jeranaias/fern/internal/storage"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// BACKEND CLIENT WIRING
// =============================================================================

// websocketURL maps the backend's HTTP base URL to its streaming endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("server url %q must be http or https", base)
	}
	if u.Host == "" {
		return "", errors.Errorf("server url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat"
	return u.String(), nil
}

// turnFlags are the per-invocation model overrides shared by chat and ask.
type turnFlags struct {
	provider  string
	model     string
	reasoning bool
	noReason  bool
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "Provider (overrides model.provider)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model name (overrides model.name)")
	cmd.Flags().BoolVar(&f.reasoning, "reasoning", false, "Ask for a short reasoning section")
	cmd.Flags().BoolVar(&f.noReason, "no-reasoning", false, "Do not ask for a reasoning section")
	cmd.MarkFlagsMutuallyExclusive("reasoning", "no-reasoning")
}

// settings merges the flags over the configured defaults.
func (o *options) settings(f turnFlags) conversation.Settings {
	s := conversation.Settings{
		Provider:      o.cfg.Model.Provider,
		Model:         o.cfg.Model.Name,
		Reasoning:     o.cfg.Client.Reasoning,
		SystemMessage: model.DefaultSystemPrompt,
	}
	if f.provider != "" {
		s.Provider = strings.ToLower(f.provider)
		// A model name configured for another provider does not carry over.
		if s.Provider != o.cfg.Model.Provider {
			s.Model = ""
		}
	}
	if f.model != "" {
		s.Model = f.model
	}
	switch {
	case f.reasoning:
		s.Reasoning = true
	case f.noReason:
		s.Reasoning = false
	}
	return s
}

// remoteStore returns a store backed by the configured server.
func (o *options) remoteStore() *storage.RemoteStore {
	return storage.NewRemoteStore(o.cfg.Client.ServerURL)
}

// newManager wires a conversation manager to the backend: the remote store
// for persistence, the websocket for streaming and /api/chat for the
// non-streaming fallback.
func (o *options) newManager(f turnFlags, observer func(conversation.Event)) (*conversation.Manager, error) {
	base := strings.TrimRight(o.cfg.Client.ServerURL, "/")
	wsURL, err := websocketURL(base)
	if err != nil {
		return nil, err
	}

	return conversation.NewManager(
		o.remoteStore(),
		&stream.WSDialer{URL: wsURL},
		stream.NewHTTPCompleter(base+"/api/chat"),
		conversation.Config{
			Settings: o.settings(f),
			Pacing: pacing.Options{
				Period: time.Duration(o.cfg.Client.TickMS) * time.Millisecond,
				Slice:  o.cfg.Client.Slice,
			},
			Logger: o.entry(),
		},
		observer,
	), nil
}
