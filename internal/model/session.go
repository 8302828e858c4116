// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo contains detailed information about a model as exposed by a
// provider catalog. ID carries the fully namespaced identifier
// ("provider:model") so a pane is self-describing.
type ModelInfo struct {
	// ID is the namespaced model identifier used in API calls
	ID string `json:"id"`

	// Name is the human-readable display name
	Name string `json:"name"`

	// Provider identifies which backend serves the model
	Provider string `json:"provider"`

	// MaxTokens is the maximum context window size
	MaxTokens int `json:"max_tokens"`

	// CostPer1KTokens is the cost per 1000 tokens in dollars
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`

	// SupportsStreaming reports whether the model streams responses
	SupportsStreaming bool `json:"supports_streaming"`
}

// =============================================================================
// MODEL SELECTION TYPE
// =============================================================================

// ModelSelection names one destination of a broadcast: which provider and
// model should answer, with optional generation parameters. Zero values for
// Temperature and MaxTokens mean "use defaults"; the orchestrator applies
// them per request.
type ModelSelection struct {
	Provider    string  `json:"provider_id"`
	Model       string  `json:"model_id"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// =============================================================================
// METRICS TYPE
// =============================================================================

// Metrics accumulates per-pane usage counters. TokenCount and Cost grow
// additively across requests; LatencyMs holds the most recent request's
// latency.
type Metrics struct {
	TokenCount   int     `json:"token_count"`
	Cost         float64 `json:"cost"`
	LatencyMs    int64   `json:"latency_ms"`
	RequestCount int     `json:"request_count"`
}

// Accumulate folds one completed request into the counters.
func (m *Metrics) Accumulate(tokens int, cost float64, latencyMs int64) {
	m.TokenCount += tokens
	m.Cost += cost
	m.LatencyMs = latencyMs
	m.RequestCount++
}

// =============================================================================
// PANE TYPE
// =============================================================================

// Pane is one model's conversation lane within a session. Each pane is bound
// to a single model and holds its own ordered message history.
type Pane struct {
	// Identity
	ID        string    `json:"id"`
	Model     ModelInfo `json:"model"`
	CreatedAt time.Time `json:"created_at"`

	// Messages, append-only except for replace-mode transfers
	Messages []*Message `json:"messages"`

	// True while a generation is in flight for this pane
	IsStreaming bool `json:"is_streaming"`

	// Usage counters
	Metrics Metrics `json:"metrics"`
}

// NewPane creates a pane bound to the given model.
func NewPane(info ModelInfo) *Pane {
	return &Pane{
		ID:        generatePaneID(),
		Model:     info,
		CreatedAt: time.Now(),
		Messages:  make([]*Message, 0),
	}
}

// AppendMessage adds a message to the end of the pane's history.
func (p *Pane) AppendMessage(msg *Message) {
	p.Messages = append(p.Messages, msg)
}

// ClearMessages removes all messages. Used by replace-mode transfers.
func (p *Pane) ClearMessages() {
	p.Messages = make([]*Message, 0)
}

// MessageByID returns the message with the given ID, or nil.
func (p *Pane) MessageByID(id string) *Message {
	for _, msg := range p.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastAssistant returns the most recent assistant message, or nil.
func (p *Pane) LastAssistant() *Message {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleAssistant {
			return p.Messages[i]
		}
	}
	return nil
}

// MessageCount returns the number of messages in the pane.
func (p *Pane) MessageCount() int {
	return len(p.Messages)
}

// Clone returns a deep copy of the pane.
func (p *Pane) Clone() *Pane {
	if p == nil {
		return nil
	}
	c := *p
	c.Messages = make([]*Message, len(p.Messages))
	for i, msg := range p.Messages {
		c.Messages[i] = msg.Clone()
	}
	return &c
}

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is the shared workspace: an ordered set of panes plus aggregate
// cost. TotalCost accumulation is additive so concurrent per-pane updates
// commute regardless of completion order.
type Session struct {
	// Identity
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Panes in creation order
	Panes []*Pane `json:"panes"`

	// Sum of all pane costs across the session's lifetime
	TotalCost float64 `json:"total_cost"`
}

// NewSession creates a session with the given ID, or a generated UUID when
// id is empty. Callers (the WebSocket handler in particular) usually bring
// their own ID so both sides of a connection agree on it.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Panes:     make([]*Pane, 0),
	}
}

// AddPane appends a pane to the session.
func (s *Session) AddPane(p *Pane) {
	s.Panes = append(s.Panes, p)
	s.UpdatedAt = time.Now()
}

// Pane returns the pane with the given ID, or nil.
func (s *Session) Pane(id string) *Pane {
	for _, p := range s.Panes {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// RemovePane removes a pane by ID. Returns true if a pane was removed.
func (s *Session) RemovePane(id string) bool {
	for i, p := range s.Panes {
		if p.ID == id {
			s.Panes = append(s.Panes[:i], s.Panes[i+1:]...)
			s.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// PaneCount returns the number of panes.
func (s *Session) PaneCount() int {
	return len(s.Panes)
}

// Touch bumps the session's UpdatedAt.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy of the session. Stores hand out clones so
// callers never alias store-held state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Panes = make([]*Pane, len(s.Panes))
	for i, p := range s.Panes {
		c.Panes[i] = p.Clone()
	}
	return &c
}
