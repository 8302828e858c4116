// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/orchestrator"
	"github.com/jeranaias/chorus/internal/telemetry"
	"github.com/jeranaias/chorus/internal/transfer"
	"github.com/jeranaias/chorus/internal/transport"
)

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// BroadcastRequest fans one prompt out to several models in a session.
type BroadcastRequest struct {
	SessionID string                 `json:"session_id"`
	Prompt    string                 `json:"prompt"`
	Models    []model.ModelSelection `json:"models"`
}

// BroadcastResponse acknowledges an accepted broadcast. Tokens arrive on the
// session's WebSocket, not here.
type BroadcastResponse struct {
	Started        bool              `json:"started"`
	BroadcastID    string            `json:"broadcast_id"`
	SessionID      string            `json:"session_id"`
	PaneIDs        []string          `json:"pane_ids"`
	UserMessageIDs map[string]string `json:"user_message_ids"`
}

// ChatRequest continues a single pane's conversation.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse acknowledges an accepted chat turn.
type ChatResponse struct {
	Success bool   `json:"success"`
	PaneID  string `json:"pane_id"`
}

// SendToResponse reports a completed context transfer.
type SendToResponse struct {
	Success          bool   `json:"success"`
	TransferredCount int    `json:"transferred_count"`
	TargetPaneID     string `json:"target_pane_id"`
}

// SummarizeRequest condenses one or more panes into a new summary pane.
type SummarizeRequest struct {
	SessionID    string   `json:"session_id"`
	PaneIDs      []string `json:"pane_ids"`
	SummaryTypes []string `json:"summary_types"`
}

// SummarizeResponse carries the generated summaries, keyed by summary type.
type SummarizeResponse struct {
	SummaryPaneID string            `json:"summary_pane_id"`
	Summaries     map[string]string `json:"summaries"`
	SourcePanes   []string          `json:"source_panes"`
}

// SessionListResponse is one page of sessions plus the total count.
type SessionListResponse struct {
	Sessions   []*model.Session `json:"sessions"`
	TotalCount int              `json:"total_count"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// DeleteSessionResponse acknowledges a session deletion.
type DeleteSessionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ModelEntry is one catalog row in the flattened /models listing.
type ModelEntry struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Provider          string  `json:"provider"`
	MaxTokens         int     `json:"max_tokens"`
	CostPer1KTokens   float64 `json:"cost_per_1k_tokens"`
	SupportsStreaming bool    `json:"supports_streaming"`
}

// ModelListResponse is the flattened catalog across all providers.
type ModelListResponse struct {
	Models     []ModelEntry `json:"models"`
	Providers  []string     `json:"providers"`
	TotalCount int          `json:"total_count"`
}

// ProviderHealthResponse maps each provider to its health.
type ProviderHealthResponse struct {
	Providers    map[string]bool `json:"providers"`
	HealthyCount int             `json:"healthy_count"`
	TotalCount   int             `json:"total_count"`
}

// HealthResponse is the aggregate service health report.
type HealthResponse struct {
	Status    string          `json:"status"`
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	Providers map[string]bool `json:"providers"`
}

// StatsResponse aggregates counters from every layer for /stats.
type StatsResponse struct {
	Sessions   SessionStats           `json:"sessions"`
	Broadcasts BroadcastStats         `json:"broadcasts"`
	Events     transport.Stats        `json:"events"`
	Usage      *telemetry.UsageTotals `json:"usage"`
	Server     StatsSnapshot          `json:"server"`
}

// SessionStats counts stored sessions.
type SessionStats struct {
	Total int `json:"total"`
}

// BroadcastStats counts broadcast records.
type BroadcastStats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Multi-LLM Broadcast Workspace API",
		"service": ServiceName,
		"version": Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.registry.HealthCheck(r.Context())
	healthy := 0
	for _, up := range providers {
		if up {
			healthy++
		}
	}

	status := "healthy"
	switch {
	case healthy == 0:
		status = "unhealthy"
	case healthy < len(providers):
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Service:   ServiceName,
		Version:   Version,
		Providers: providers,
	})
}

// =============================================================================
// BROADCAST AND CHAT
// =============================================================================

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}

	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing session_id")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "Prompt must not be empty")
		return
	}
	if len(req.Prompt) > MaxPromptLength {
		s.writeError(w, http.StatusBadRequest, "Prompt exceeds maximum length")
		return
	}
	if len(req.Models) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one model selection is required")
		return
	}
	if len(req.Models) > MaxBroadcastModels {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Too many models: maximum is %d", MaxBroadcastModels))
		return
	}

	// Resolve each selection against the catalog. Unknown models are
	// skipped rather than failing the whole broadcast.
	ctx := r.Context()
	valid := make([]model.ModelSelection, 0, len(req.Models))
	infos := make([]model.ModelInfo, 0, len(req.Models))
	for _, sel := range req.Models {
		info, ok := s.registry.ModelInfo(ctx, sel.Provider, sel.Model)
		if !ok {
			log.Printf("BROADCAST_MODEL_SKIPPED | session=%s provider=%s model=%s",
				req.SessionID, sel.Provider, sel.Model)
			continue
		}
		valid = append(valid, sel)
		infos = append(infos, info)
	}
	if len(valid) == 0 {
		s.writeError(w, http.StatusBadRequest, "No valid model selections")
		return
	}

	// Seed one pane per model under the session lock so a concurrent
	// broadcast or transfer cannot interleave with the read-mutate-write.
	lock := s.locks.Get(req.SessionID)
	lock.Lock()
	sess, err := s.store.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		lock.Unlock()
		log.Printf("BROADCAST_SESSION_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	paneIDs := make([]string, 0, len(valid))
	userMessageIDs := make(map[string]string, len(valid))
	for _, info := range infos {
		pane := model.NewPane(info)
		userMsg := model.NewUserMessage(req.Prompt)
		pane.AppendMessage(userMsg)
		sess.AddPane(pane)
		paneIDs = append(paneIDs, pane.ID)
		userMessageIDs[pane.ID] = userMsg.ID
	}
	if err := s.store.Update(ctx, sess); err != nil {
		lock.Unlock()
		log.Printf("BROADCAST_STORE_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to persist session")
		return
	}
	lock.Unlock()

	// Streams run on the jobs context: they must survive this handler.
	recordID, err := s.orch.Broadcast(s.jobs, req.SessionID, req.Prompt, valid, paneIDs)
	if err != nil {
		log.Printf("BROADCAST_START_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to start broadcast")
		return
	}

	log.Printf("BROADCAST_ACCEPTED | session=%s record=%s panes=%d prompt=%q",
		req.SessionID, recordID, len(paneIDs), truncateString(req.Prompt, 80))

	s.writeJSON(w, http.StatusOK, BroadcastResponse{
		Started:        true,
		BroadcastID:    recordID,
		SessionID:      req.SessionID,
		PaneIDs:        paneIDs,
		UserMessageIDs: userMessageIDs,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	paneID := r.PathValue("pane_id")

	var req ChatRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "Missing session_id or message")
		return
	}
	if len(req.Message) > MaxPromptLength {
		s.writeError(w, http.StatusBadRequest, "Message exceeds maximum length")
		return
	}

	// The reply streams in the background; Chat only appends the user turn.
	err := s.orch.Chat(s.jobs, req.SessionID, paneID, req.Message)
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, orchestrator.ErrPaneNotFound):
		s.writeError(w, http.StatusNotFound, "Pane not found")
		return
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		s.writeError(w, http.StatusBadRequest, "Message must not be empty")
		return
	case err != nil:
		log.Printf("CHAT_ERROR | session=%s pane=%s error=%v", req.SessionID, paneID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to process chat message")
		return
	}

	s.writeJSON(w, http.StatusOK, ChatResponse{Success: true, PaneID: paneID})
}

// =============================================================================
// TRANSFER AND SUMMARIZE
// =============================================================================

func (s *Server) handleSendTo(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.SessionID == "" || req.SourcePaneID == "" || req.TargetPaneID == "" {
		s.writeError(w, http.StatusBadRequest,
			"Missing session_id, source_pane_id, or target_pane_id")
		return
	}
	if req.Mode == "" {
		req.Mode = transfer.ModeAppend
	}

	count, err := s.transfers.Transfer(r.Context(), req)
	switch {
	case errors.Is(err, transfer.ErrInvalidMode):
		s.writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("Invalid transfer mode: %s", req.Mode))
		return
	case errors.Is(err, transfer.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	case errors.Is(err, transfer.ErrPaneNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, transfer.ErrNoMessages):
		s.writeError(w, http.StatusBadRequest, "No messages to transfer")
		return
	case err != nil:
		log.Printf("TRANSFER_ERROR | session=%s source=%s target=%s error=%v",
			req.SessionID, req.SourcePaneID, req.TargetPaneID, err)
		s.writeError(w, http.StatusInternalServerError, "Transfer failed")
		return
	}

	s.writeJSON(w, http.StatusOK, SendToResponse{
		Success:          true,
		TransferredCount: count,
		TargetPaneID:     req.TargetPaneID,
	})
}

const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 500
)

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req SummarizeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing session_id")
		return
	}
	if len(req.PaneIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one pane_id is required")
		return
	}
	if len(req.SummaryTypes) == 0 {
		req.SummaryTypes = []string{"concise"}
	}

	ctx := r.Context()
	sess, err := s.store.Get(ctx, req.SessionID)
	if err != nil {
		log.Printf("SUMMARIZE_SESSION_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	// Render each requested pane as a named transcript block.
	parts := make([]string, 0, len(req.PaneIDs))
	for _, paneID := range req.PaneIDs {
		pane := sess.Pane(paneID)
		if pane == nil {
			continue
		}
		lines := make([]string, 0, len(pane.Messages))
		for _, msg := range pane.Messages {
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
		}
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s", pane.Model.Name, strings.Join(lines, "\n")))
	}
	if len(parts) == 0 {
		s.writeError(w, http.StatusNotFound, "No matching panes found")
		return
	}
	combined := strings.Join(parts, "\n\n")

	a, info, ok := s.summaryModel(ctx)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "No summarization model available")
		return
	}
	bare := info.ID
	if _, rest, found := strings.Cut(info.ID, ":"); found {
		bare = rest
	}

	// Generate outside the session lock; model calls are slow.
	summaryPane := model.NewPane(info)
	summaries := make(map[string]string, len(req.SummaryTypes))
	for _, kind := range req.SummaryTypes {
		prompt := fmt.Sprintf("Please provide a %s summary of the following conversations:\n\n%s",
			kind, combined)
		content, err := orchestrator.Exchange(ctx, a, bare,
			[]*model.Message{model.NewUserMessage(prompt)},
			adapter.GenerationParams{Temperature: summaryTemperature, MaxTokens: summaryMaxTokens},
			"summary-"+summaryPane.ID)
		if err != nil {
			log.Printf("SUMMARIZE_ERROR | session=%s type=%s model=%s error=%v",
				req.SessionID, kind, info.ID, err)
			s.writeError(w, http.StatusInternalServerError, "Summary generation failed")
			return
		}
		summaries[kind] = content
		summaryPane.AppendMessage(model.NewAssistantMessage(content))
	}

	lock := s.locks.Get(req.SessionID)
	lock.Lock()
	fresh, err := s.store.Get(ctx, req.SessionID)
	if err == nil && fresh == nil {
		err = fmt.Errorf("session %s vanished during summarize", req.SessionID)
	}
	if err != nil {
		lock.Unlock()
		log.Printf("SUMMARIZE_STORE_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to persist summary")
		return
	}
	fresh.AddPane(summaryPane)
	if err := s.store.Update(ctx, fresh); err != nil {
		lock.Unlock()
		log.Printf("SUMMARIZE_STORE_ERROR | session=%s error=%v", req.SessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to persist summary")
		return
	}
	lock.Unlock()

	log.Printf("SUMMARIZE_DONE | session=%s pane=%s types=%d sources=%d",
		req.SessionID, summaryPane.ID, len(summaries), len(req.PaneIDs))

	s.writeJSON(w, http.StatusOK, SummarizeResponse{
		SummaryPaneID: summaryPane.ID,
		Summaries:     summaries,
		SourcePanes:   req.PaneIDs,
	})
}

// summaryModel picks the adapter and model that will write summaries: the
// first healthy provider in registry order, falling back to any provider
// with a non-empty catalog.
func (s *Server) summaryModel(ctx context.Context) (adapter.Adapter, model.ModelInfo, bool) {
	order := s.registry.Providers()
	health := s.registry.HealthCheck(ctx)
	catalogs := s.registry.DiscoverModels(ctx)

	candidates := make([]string, 0, len(order))
	for _, p := range order {
		if health[p] {
			candidates = append(candidates, p)
		}
	}
	for _, p := range order {
		if !health[p] {
			candidates = append(candidates, p)
		}
	}

	for _, p := range candidates {
		models := catalogs[p]
		if len(models) == 0 {
			continue
		}
		a, ok := s.registry.Get(p)
		if !ok {
			continue
		}
		return a, models[0], true
	}
	return nil, model.ModelInfo{}, false
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", DefaultSessionPageSize)
	offset := queryInt(r, "offset", 0)
	if limit < 1 {
		limit = DefaultSessionPageSize
	}
	if limit > MaxSessionPageSize {
		limit = MaxSessionPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ctx := r.Context()
	sessions, err := s.store.List(ctx, limit, offset)
	if err != nil {
		log.Printf("SESSION_LIST_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		log.Printf("SESSION_COUNT_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to count sessions")
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	sess, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		log.Printf("SESSION_GET_ERROR | session=%s error=%v", sessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	existed, err := s.store.Delete(r.Context(), sessionID)
	if err != nil {
		log.Printf("SESSION_DELETE_ERROR | session=%s error=%v", sessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	if !existed {
		s.writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	// Closing the hub topic ends the session's WebSocket streams; releasing
	// the orchestrator drops its per-session lock entry.
	s.hub.DropSession(sessionID)
	s.orch.ReleaseSession(sessionID)
	s.locks.Drop(sessionID)

	log.Printf("SESSION_DELETED | session=%s", sessionID)
	s.writeJSON(w, http.StatusOK, DeleteSessionResponse{
		Success: true,
		Message: "Session deleted",
	})
}

// =============================================================================
// CATALOG AND STATS HANDLERS
// =============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providers := s.registry.Providers()
	catalogs := s.registry.DiscoverModels(ctx)

	entries := make([]ModelEntry, 0, len(providers)*4)
	for _, p := range providers {
		for _, m := range catalogs[p] {
			entries = append(entries, ModelEntry{
				ID:                m.ID,
				Name:              m.Name,
				Provider:          p,
				MaxTokens:         m.MaxTokens,
				CostPer1KTokens:   m.CostPer1KTokens,
				SupportsStreaming: m.SupportsStreaming,
			})
		}
	}

	s.writeJSON(w, http.StatusOK, ModelListResponse{
		Models:     entries,
		Providers:  providers,
		TotalCount: len(entries),
	})
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	health := s.registry.HealthCheck(r.Context())
	healthy := 0
	for _, up := range health {
		if up {
			healthy++
		}
	}
	s.writeJSON(w, http.StatusOK, ProviderHealthResponse{
		Providers:    health,
		HealthyCount: healthy,
		TotalCount:   len(health),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.store.Count(ctx)
	if err != nil {
		log.Printf("STATS_COUNT_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to gather stats")
		return
	}

	resp := StatsResponse{
		Sessions:   SessionStats{Total: total},
		Broadcasts: BroadcastStats{Active: s.orch.ActiveCount(), Total: s.orch.TotalCount()},
		Events:     s.hub.Stats(),
		Server:     s.stats.Snapshot(),
	}
	if s.usage != nil {
		if totals, err := s.usage.Totals(ctx); err == nil {
			resp.Usage = &totals
		} else {
			log.Printf("STATS_USAGE_ERROR | error=%v", err)
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
