// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP and WebSocket API for the chorus workspace.
//
// This package exposes the broadcast orchestrator, session store, context
// transfer pipeline, and provider registry over a REST surface, and streams
// per-pane events to clients over one WebSocket per session.
//
// # Endpoints
//
//   - GET    /                      - service banner
//   - GET    /health                - aggregate provider health
//   - POST   /broadcast             - fan a prompt out to several models
//   - POST   /chat/{pane_id}        - continue one pane's conversation
//   - POST   /send-to               - transfer context between panes
//   - POST   /summarize             - condense panes into a summary pane
//   - GET    /sessions              - list sessions (paged)
//   - GET    /sessions/{session_id} - fetch one session
//   - DELETE /sessions/{session_id} - delete a session
//   - GET    /models                - flattened model catalog
//   - GET    /providers/health      - per-provider health map
//   - GET    /stats                 - server, broadcast, and usage counters
//   - GET    /ws/{session_id}       - event stream (WebSocket)
//
// # Streaming Model
//
// Mutating endpoints return as soon as the work is accepted. Status, token,
// final, meter, and error events for every pane in the session arrive on the
// session's WebSocket, so several broadcasts and chats can stream at once
// over a single connection.
//
// # Security Features
//
//   - Per-client token bucket rate limiting
//   - CORS origin allowlist shared with the WebSocket upgrader
//   - Security headers (X-Content-Type-Options, X-Frame-Options, etc.)
//   - Forwarded-header trust limited to known proxy ranges
//   - Request body size caps and panic recovery
//
// # Key Types
//
//   - Server: HTTP server with router, middleware, and background job context
//   - Deps: collaborator bundle (store, registry, orchestrator, transfers, hub)
//   - ServerStats: request counters surfaced by /stats
//
// # Usage
//
//	srv := server.NewServer("127.0.0.1", 8080, server.Deps{
//		Store:        st,
//		Registry:     reg,
//		Orchestrator: orch,
//		Transfers:    transfers,
//		Hub:          hub,
//	}).WithSessionLocks(locks)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
