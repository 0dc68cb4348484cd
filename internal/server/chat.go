// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/phase"
	"github.com/jeranaias/fern/internal/provider"
	"github.com/jeranaias/fern/internal/storage"
)

// ============================================================================
// REQUEST PREPARATION
// ============================================================================

// controlFrameTimeout bounds the wait for the first websocket message.
const controlFrameTimeout = 30 * time.Second

// prepared is a chat request resolved against defaults, the stored
// conversation and the provider registry.
type prepared struct {
	provider provider.Provider
	name     string
	request  provider.Request
}

// validateMessages rejects empty lists, oversized lists and unknown roles.
func validateMessages(msgs []model.WireMessage) error {
	if len(msgs) == 0 {
		return errors.New("messages must not be empty")
	}
	if len(msgs) > MaxMessageCount {
		return errors.Errorf("too many messages: %d (max %d)", len(msgs), MaxMessageCount)
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return errors.Errorf("message %d: invalid role %q", i, m.Role)
		}
	}
	return nil
}

// prepare fills provider and model defaults, prepends the reasoning
// instruction and the conversation's system prompt, and resolves the
// provider. Sampling parameters absent from the request are taken from the
// conversation.
func (s *Server) prepare(ctx context.Context, req model.ChatRequest) (*prepared, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}

	defProvider, defModel := s.defaults()
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		name = defProvider
	}
	modelID := req.Model
	if modelID == "" && name == defProvider {
		modelID = defModel
	}

	var systemPrompt string
	temperature, topP := req.Temperature, req.TopP
	if req.ConversationID != "" {
		conv, err := s.store.Get(ctx, req.ConversationID)
		switch {
		case err == nil:
			systemPrompt = conv.SystemPrompt
			if temperature == nil {
				temperature = conv.Temperature
			}
			if topP == nil {
				topP = conv.TopP
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			s.logger.WithError(err).WithField("conversation", req.ConversationID).
				Warn("Could not load conversation for system prompt")
		}
	}

	p, err := s.registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	return &prepared{
		provider: p,
		name:     name,
		request: provider.Request{
			Messages:    model.PrepareMessages(req.Messages, systemPrompt, req.Reasoning),
			Model:       modelID,
			Temperature: temperature,
			TopP:        topP,
		},
	}, nil
}

// ============================================================================
// STREAMING CHAT (WEBSOCKET)
// ============================================================================

// handleChatStream handles GET /ws/chat.
//
// Protocol: the client sends one JSON control frame; the server answers
// with one text message per model chunk, then "[END]". Failures are sent
// in-band as "[Error: ...]". Nothing is persisted here; the client commits
// the finished turn through the conversations API.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade chat connection")
		return
	}
	defer conn.Close()

	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	var req model.ChatRequest
	conn.SetReadDeadline(time.Now().Add(controlFrameTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.WithError(err).Debug("No control frame received")
		s.sendFrame(conn, model.ErrorFrame("invalid control frame"))
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	prep, err := s.prepare(ctx, req)
	if err != nil {
		s.metrics.streams.WithLabelValues(req.Provider, "error").Inc()
		s.sendFrame(conn, model.ErrorFrame(err.Error()))
		return
	}

	logger := s.logger.WithFields(log.Fields{
		"provider":     prep.name,
		"model":        prep.request.Model,
		"conversation": req.ConversationID,
	})

	// The client closing the socket is the cancel signal; it sends nothing
	// else after the control frame.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	start := time.Now()
	chunks := 0
	err = prep.provider.Stream(ctx, prep.request, func(chunk string) error {
		if chunks == 0 {
			s.metrics.providerLatency.WithLabelValues(prep.name, "stream").Observe(time.Since(start).Seconds())
		}
		chunks++
		s.metrics.chunks.WithLabelValues(prep.name).Inc()
		return conn.WriteMessage(websocket.TextMessage, []byte(chunk))
	})

	switch {
	case ctx.Err() != nil:
		s.metrics.streams.WithLabelValues(prep.name, "disconnected").Inc()
		logger.WithField("chunks", chunks).Debug("Client left mid-stream")
		return
	case err != nil:
		s.metrics.streams.WithLabelValues(prep.name, "error").Inc()
		logger.WithError(err).Warn("Stream failed")
		s.sendFrame(conn, model.ErrorFrame(truncateString(err.Error(), 500)))
		return
	}

	s.metrics.streams.WithLabelValues(prep.name, "ok").Inc()
	s.sendFrame(conn, model.EndOfStream)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	logger.WithFields(log.Fields{
		"chunks":   chunks,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Stream finished")
}

func (s *Server) sendFrame(conn *websocket.Conn, text string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.WithError(err).Debug("Failed to send frame")
	}
}

// ============================================================================
// NON-STREAMING CHAT
// ============================================================================

// handleChat handles POST /api/chat, the fallback for clients that cannot
// hold a websocket. The reply is split into reasoning and answer the same
// way the streaming client splits it.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prep, err := s.prepare(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	text, err := prep.provider.Complete(r.Context(), prep.request)
	if err != nil {
		s.metrics.completions.WithLabelValues(prep.name, "error").Inc()
		s.logger.WithError(err).WithField("provider", prep.name).Warn("Completion failed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("provider %s: %v", prep.name, err))
		return
	}
	s.metrics.completions.WithLabelValues(prep.name, "ok").Inc()
	s.metrics.providerLatency.WithLabelValues(prep.name, "complete").Observe(time.Since(start).Seconds())

	split, err := phase.Splitter{}.Finish(text)
	if err != nil {
		s.logger.WithError(err).Debug("Reply has an unterminated reasoning section")
	}

	writeJSON(w, http.StatusOK, model.ChatResponse{
		Answer:    split.Answer,
		Reasoning: split.Reasoning,
		Model:     prep.request.Model,
	})
}
