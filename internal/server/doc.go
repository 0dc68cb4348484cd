// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP and websocket backend for fern clients.
//
// # Endpoints
//
//   - GET    /ws/chat                - Streamed chat turn over a websocket
//   - POST   /api/chat               - One-shot chat turn (streaming fallback)
//   - GET    /api/conversations      - List conversations, pinned first
//   - POST   /api/conversations      - Create a conversation
//   - GET    /api/conversations/{id} - Fetch a conversation
//   - PATCH  /api/conversations/{id} - Partial update (title, messages, ...)
//   - DELETE /api/conversations/{id} - Delete a conversation
//   - GET    /api/models/{provider}  - Models offered by a provider
//   - GET    /api/providers          - Known providers and whether they are configured
//   - GET    /api/health             - Health check
//   - GET    /metrics                - Prometheus metrics
//
// # Middleware
//
// Requests pass through panic recovery, security headers, request logging,
// per-IP rate limiting and a body size limit, in that order.
//
// # Usage
//
//	srv := server.New(server.Config{
//		Addr:      "127.0.0.1:8000",
//		Store:     store,
//		Providers: provider.NewRegistry(settings, nil),
//	})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
