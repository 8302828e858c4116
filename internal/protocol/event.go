// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the canonical streaming event vocabulary.
//
// Every provider adapter translates its upstream wire format into this one
// union so the orchestrator, transport hub, and UI all speak a single
// dialect. Events are flat structs with omitempty tags so each type
// serializes with only its relevant fields.
package protocol

import (
	"fmt"
	"time"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType discriminates the canonical event union.
type EventType string

const (
	// EventStatus reports lifecycle transitions (connecting, streaming).
	EventStatus EventType = "status"

	// EventToken carries one incremental content fragment.
	EventToken EventType = "token"

	// EventFinal carries the complete accumulated response text.
	EventFinal EventType = "final"

	// EventMeter carries usage accounting, emitted after final.
	EventMeter EventType = "meter"

	// EventError reports a classified failure. Terminal for its stream.
	EventError EventType = "error"
)

// Status states carried by EventStatus events.
const (
	StateConnecting = "connecting"
	StateStreaming  = "streaming"
	StateComplete   = "complete"
)

// =============================================================================
// EVENT UNION
// =============================================================================

// Event is one canonical streaming event. PaneID is set on every event so
// consumers can demultiplex interleaved streams from concurrent
// destinations. Exactly one terminal event (final or error) ends a
// well-formed sequence; a channel that closes without one is an implicit
// contentless completion.
type Event struct {
	Type      EventType `json:"type"`
	PaneID    string    `json:"pane_id"`
	Timestamp time.Time `json:"timestamp"`

	// Status fields
	State string `json:"state,omitempty"`

	// Token fields. Position is 1-based and strictly increasing within a
	// stream; its unit is adapter-defined (word count or fragment count).
	Content  string `json:"content,omitempty"`
	Position int    `json:"position,omitempty"`

	// Final fields. Content carries the full text; MessageID is stamped by
	// the orchestrator once the assistant message lands in the pane.
	FinishReason string `json:"finish_reason,omitempty"`
	MessageID    string `json:"message_id,omitempty"`

	// Meter fields
	TokenCount int     `json:"token_count,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	LatencyMs  int64   `json:"latency_ms,omitempty"`

	// Error fields
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewStatus creates a status event for the given pane.
func NewStatus(paneID, state string) Event {
	return Event{
		Type:      EventStatus,
		PaneID:    paneID,
		State:     state,
		Timestamp: time.Now(),
	}
}

// NewToken creates a token event carrying one content fragment.
func NewToken(paneID, content string, position int) Event {
	return Event{
		Type:      EventToken,
		PaneID:    paneID,
		Content:   content,
		Position:  position,
		Timestamp: time.Now(),
	}
}

// NewFinal creates a final event carrying the complete response text.
func NewFinal(paneID, content, finishReason string) Event {
	return Event{
		Type:         EventFinal,
		PaneID:       paneID,
		Content:      content,
		FinishReason: finishReason,
		Timestamp:    time.Now(),
	}
}

// NewMeter creates a meter event with usage accounting.
func NewMeter(paneID string, tokens int, cost float64, latencyMs int64) Event {
	return Event{
		Type:       EventMeter,
		PaneID:     paneID,
		TokenCount: tokens,
		Cost:       cost,
		LatencyMs:  latencyMs,
		Timestamp:  time.Now(),
	}
}

// NewError creates a classified error event.
func NewError(paneID, message, code string, retryable bool) Event {
	return Event{
		Type:      EventError,
		PaneID:    paneID,
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// =============================================================================
// EVENT METHODS
// =============================================================================

// Terminal reports whether this event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}

// String renders a short human-readable form for logging.
func (e Event) String() string {
	switch e.Type {
	case EventStatus:
		return fmt.Sprintf("status(%s) pane=%s", e.State, e.PaneID)
	case EventToken:
		return fmt.Sprintf("token(#%d, %d bytes) pane=%s", e.Position, len(e.Content), e.PaneID)
	case EventFinal:
		return fmt.Sprintf("final(%d bytes, %s) pane=%s", len(e.Content), e.FinishReason, e.PaneID)
	case EventMeter:
		return fmt.Sprintf("meter(%d tokens, $%.6f) pane=%s", e.TokenCount, e.Cost, e.PaneID)
	case EventError:
		return fmt.Sprintf("error(%s, retryable=%t) pane=%s", e.Code, e.Retryable, e.PaneID)
	default:
		return fmt.Sprintf("%s pane=%s", e.Type, e.PaneID)
	}
}
