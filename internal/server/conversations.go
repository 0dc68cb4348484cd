// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/storage"
)

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

// handleListConversations handles GET /api/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.List(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

// handleCreateConversation handles POST /api/conversations. The body is
// optional.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req storage.NewConversation
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID != "" && !storage.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := s.store.Create(r.Context(), req)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handlePatchConversation handles PATCH /api/conversations/{id}.
func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var p storage.Patch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.store.Patch(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// storeError maps a store failure onto a response. Missing conversations
// are 404; anything else is logged and reported as 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.WithError(err).WithField("path", r.URL.Path).Error("Conversation store failed")
	writeError(w, http.StatusInternalServerError, "storage error")
}
