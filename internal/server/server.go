// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/provider"
	"github.com/jeranaias/fern/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8000"

	// MaxRequestBodySize is the maximum size for request bodies (8MB). Whole
	// transcripts travel in PATCH bodies, so this is larger than a chat frame
	// needs.
	MaxRequestBodySize = 8 << 20

	// MaxMessageCount is the maximum number of messages in a chat request.
	MaxMessageCount = 1000

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Config configures a Server.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8000).
	Addr string

	// Store holds conversations.
	Store storage.Store

	// Providers resolves provider names to clients.
	Providers *provider.Registry

	// DefaultProvider and DefaultModel fill chat requests that name none.
	DefaultProvider string
	DefaultModel    string

	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
	RateBurst int

	// MaxBodyBytes caps request bodies (default: MaxRequestBodySize).
	MaxBodyBytes int64

	Logger *log.Entry
}

// Server is the HTTP and websocket backend for fern clients.
type Server struct {
	addr     string
	store    storage.Store
	registry *provider.Registry
	metrics  *Metrics
	limiter  *RateLimiter
	logger   *log.Entry
	upgrader websocket.Upgrader
	router   *http.ServeMux
	handler  http.Handler
	server   *http.Server

	mu              sync.RWMutex
	defaultProvider string
	defaultModel    string
}

// New creates a Server. Store and Providers are required.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxRequestBodySize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openai"
	}

	s := &Server{
		addr:            cfg.Addr,
		store:           cfg.Store,
		registry:        cfg.Providers,
		metrics:         NewMetrics(),
		limiter:         NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:          cfg.Logger.WithField("component", "server"),
		router:          http.NewServeMux(),
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// SECURITY: the server binds to loopback by default and serves
			// local clients; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(s.limiter, s.logger),
		BodyLimitMiddleware(cfg.MaxBodyBytes),
	)(s.router)

	return s
}

// SetDefaults changes the provider and model used when a request names
// none. Called when the config file is reloaded.
func (s *Server) SetDefaults(providerName, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerName != "" {
		s.defaultProvider = providerName
	}
	s.defaultModel = modelID
}

func (s *Server) defaults() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultProvider, s.defaultModel
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Chat
	s.router.HandleFunc("GET /ws/chat", s.handleChatStream)
	s.router.HandleFunc("POST /api/chat", s.handleChat)

	// Conversations
	s.router.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.router.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	s.router.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.router.HandleFunc("PATCH /api/conversations/{id}", s.handlePatchConversation)
	s.router.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	// Models and providers
	s.router.HandleFunc("GET /api/models/{provider}", s.handleModels)
	s.router.HandleFunc("GET /api/providers", s.handleProviders)

	// Health and metrics
	s.router.HandleFunc("GET /api/health", s.handleHealth)
	s.router.Handle("GET /metrics", s.metrics.Handler())
}

// ============================================================================
// MODELS HANDLERS
// ============================================================================

// handleModels handles GET /api/models/{provider}.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("provider"))

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	models, err := s.registry.ListModels(ctx, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if models == nil {
		models = []model.ModelInfo{}
	}
	resp := map[string]any{"models": models}
	if !s.registry.Configured(name) {
		resp["note"] = "provider has no API key configured; replies come from the echo provider"
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProviderStatus is one row of GET /api/providers.
type ProviderStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

// handleProviders handles GET /api/providers.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := provider.Names()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderStatus{Name: name, Configured: s.registry.Configured(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model,omitempty"`
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	p, m := s.defaults()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         Version,
		DefaultProvider: p,
		DefaultModel:    m,
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: websocket streams last as long as the model talks.
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"addr":    ln.Addr().String(),
		"version": Version,
	}).Info("Server listening")

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

// truncateString truncates a string to the specified length.
// Uses rune-based truncation to handle Unicode correctly.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
