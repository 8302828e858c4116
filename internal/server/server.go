// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/orchestrator"
	"github.com/jeranaias/chorus/internal/store"
	"github.com/jeranaias/chorus/internal/telemetry"
	"github.com/jeranaias/chorus/internal/transfer"
	"github.com/jeranaias/chorus/internal/transport"
	"github.com/jeranaias/chorus/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// ServiceName identifies this service in banners and health replies.
	ServiceName = "chorus"

	// Version is the API version reported by / and /health.
	Version = "1.0.0"

	// DefaultHost is the bind address when none is configured.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the listen port when none is configured.
	DefaultPort = 8080

	// MaxRequestBodySize is the maximum size for a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength is the maximum length for a prompt in characters.
	MaxPromptLength = 100000

	// MaxBroadcastModels is the most models one broadcast may target.
	MaxBroadcastModels = 16

	// DefaultSessionPageSize is the /sessions page size when unspecified.
	DefaultSessionPageSize = 50

	// MaxSessionPageSize is the largest /sessions page a client may request.
	MaxSessionPageSize = 500
)

// =============================================================================
// SERVER STATISTICS
// =============================================================================

// ServerStats tracks request counters for the /stats endpoint.
type ServerStats struct {
	total   atomic.Int64
	started time.Time

	mu       sync.Mutex
	perRoute map[string]int64
}

// NewServerStats creates a stats tracker anchored at the current time.
func NewServerStats() *ServerStats {
	return &ServerStats{
		started:  time.Now(),
		perRoute: make(map[string]int64),
	}
}

// Record counts one request against a route.
func (s *ServerStats) Record(route string) {
	s.total.Add(1)
	s.mu.Lock()
	s.perRoute[route]++
	s.mu.Unlock()
}

// Uptime reports how long the stats tracker has been alive.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.started)
}

// StatsSnapshot is a point-in-time copy of the request counters.
type StatsSnapshot struct {
	TotalRequests int64            `json:"total_requests"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Routes        map[string]int64 `json:"routes"`
}

// Snapshot returns a copy safe to serialize while requests continue.
func (s *ServerStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	routes := make(map[string]int64, len(s.perRoute))
	for route, n := range s.perRoute {
		routes[route] = n
	}
	s.mu.Unlock()

	return StatsSnapshot{
		TotalRequests: s.total.Load(),
		UptimeSeconds: int64(s.Uptime().Seconds()),
		Routes:        routes,
	}
}

// =============================================================================
// SERVER
// =============================================================================

// UsageReader reports accumulated usage for /stats. Satisfied by
// telemetry.Recorder; leave unset when telemetry is disabled.
type UsageReader interface {
	Totals(ctx context.Context) (telemetry.UsageTotals, error)
}

// Deps bundles the collaborators a Server needs. All fields are required.
type Deps struct {
	Store        store.Store
	Registry     *adapter.Registry
	Orchestrator *orchestrator.Broadcaster
	Transfers    *transfer.Pipeline
	Hub          *transport.Hub
}

// Server is the HTTP and WebSocket front door for a chorus workspace.
type Server struct {
	host   string
	port   int
	router *http.ServeMux
	server *http.Server

	store     store.Store
	registry  *adapter.Registry
	orch      *orchestrator.Broadcaster
	transfers *transfer.Pipeline
	hub       *transport.Hub
	usage     UsageReader
	locks     *util.KeyedMutex

	stats    *ServerStats
	cors     *CORSConfig
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	// jobs outlives individual requests. Broadcast and chat streams run on
	// it so a handler returning does not cancel the stream; Shutdown does.
	jobs     context.Context
	stopJobs context.CancelFunc
}

// NewServer creates a server bound to host:port with the given collaborators.
func NewServer(host string, port int, deps Deps) *Server {
	if host == "" {
		host = DefaultHost
	}
	if port <= 0 {
		port = DefaultPort
	}

	jobs, stopJobs := context.WithCancel(context.Background())
	s := &Server{
		host:      host,
		port:      port,
		router:    http.NewServeMux(),
		store:     deps.Store,
		registry:  deps.Registry,
		orch:      deps.Orchestrator,
		transfers: deps.Transfers,
		hub:       deps.Hub,
		locks:     util.NewKeyedMutex(),
		stats:     NewServerStats(),
		cors:      DefaultCORSConfig(),
		limiter:   DefaultRateLimiter(),
		jobs:      jobs,
		stopJobs:  stopJobs,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin; let them through.
			return origin == "" || s.cors.isOriginAllowed(origin)
		},
	}
	s.setupRoutes()
	return s
}

// WithUsage attaches a usage reader for the /stats endpoint.
func (s *Server) WithUsage(u UsageReader) *Server {
	s.usage = u
	return s
}

// WithSessionLocks shares a keyed mutex with the orchestrator and transfer
// pipeline so all read-mutate-write windows on a session serialize.
func (s *Server) WithSessionLocks(locks *util.KeyedMutex) *Server {
	if locks != nil {
		s.locks = locks
	}
	return s
}

// WithRateLimit replaces the default per-client rate limit.
func (s *Server) WithRateLimit(perSecond float64, burst int) *Server {
	if perSecond > 0 && burst > 0 {
		s.limiter = NewRateLimiter(perSecond, burst)
	}
	return s
}

// WithAllowedOrigins replaces the default CORS origin allowlist.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	if len(origins) > 0 {
		s.cors.AllowedOrigins = origins
	}
	return s
}

// =============================================================================
// ROUTES
// =============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /{$}", s.counted("/", s.handleIndex))
	s.router.HandleFunc("GET /health", s.counted("/health", s.handleHealth))
	s.router.HandleFunc("POST /broadcast", s.counted("/broadcast", s.handleBroadcast))
	s.router.HandleFunc("POST /chat/{pane_id}", s.counted("/chat", s.handleChat))
	s.router.HandleFunc("POST /send-to", s.counted("/send-to", s.handleSendTo))
	s.router.HandleFunc("POST /summarize", s.counted("/summarize", s.handleSummarize))
	s.router.HandleFunc("GET /sessions", s.counted("/sessions", s.handleListSessions))
	s.router.HandleFunc("GET /sessions/{session_id}", s.counted("/sessions/get", s.handleGetSession))
	s.router.HandleFunc("DELETE /sessions/{session_id}", s.counted("/sessions/delete", s.handleDeleteSession))
	s.router.HandleFunc("GET /models", s.counted("/models", s.handleModels))
	s.router.HandleFunc("GET /providers/health", s.counted("/providers/health", s.handleProvidersHealth))
	s.router.HandleFunc("GET /stats", s.counted("/stats", s.handleStats))
	s.router.HandleFunc("GET /ws/{session_id}", s.counted("/ws", s.handleWebSocket))
}

// counted wraps a handler so each hit lands in the per-route counters.
func (s *Server) counted(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.stats.Record(route)
		h(w, r)
	}
}

// Handler returns the fully middleware-wrapped handler. Exposed so tests can
// drive the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	chain := Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(s.cors),
		RateLimitMiddleware(s.limiter),
	)
	return chain(s.router)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight handlers, and cancels
// background streams.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER_SHUTDOWN | addr=%s:%d", s.host, s.port)
	defer s.stopJobs()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// ErrorResponse is the envelope for every error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message and classification.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_ERROR | error=%v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	errType := "invalid_request_error"
	if status >= 500 {
		errType = "api_error"
	}
	s.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Message: message, Type: errType, Code: status},
	})
}

// decodeJSON reads a size-capped request body into v. On failure it writes
// the error response itself; callers just return.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return err
		}
		s.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return err
	}
	return nil
}

// queryInt reads an integer query parameter, falling back on absence or junk.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// truncateString shortens s to maxLen runes for log lines.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
