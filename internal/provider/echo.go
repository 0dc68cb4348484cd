// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"time"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// ECHO PROVIDER
// =============================================================================

// Echo replies with the last user message. It needs no network and backs
// any provider that has not been configured.
type Echo struct {
	// Delay is slept between streamed words.
	Delay time.Duration
}

// NewEcho creates an echo provider with a short per-word delay.
func NewEcho() *Echo {
	return &Echo{Delay: 15 * time.Millisecond}
}

// Name implements Provider.
func (e *Echo) Name() string { return "echo" }

func (e *Echo) reply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		last = "(nothing to echo)"
	}
	if model.WantsReasoning(req.Messages) {
		return "Reasoning: No model is configured, so the last message is echoed back.\n\nAnswer: " + last
	}
	return last
}

// Stream implements Provider. Words are sent one at a time with their
// trailing whitespace.
func (e *Echo) Stream(ctx context.Context, req Request, onChunk func(string) error) error {
	for _, word := range splitWords(e.reply(req)) {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(word); err != nil {
			return err
		}
	}
	return nil
}

// Complete implements Provider.
func (e *Echo) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.reply(req), nil
}

// Models implements Provider.
func (e *Echo) Models(ctx context.Context) ([]model.ModelInfo, error) {
	return model.CatalogFor(e.Name()), nil
}

// splitWords cuts s after each run of whitespace, so joining the parts
// yields s.
func splitWords(s string) []string {
	var parts []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			parts = append(parts, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

