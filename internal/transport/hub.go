// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport fans streaming events out to per-session subscribers.
//
// The Hub is the delivery boundary: producers fire events at a session and
// never block, subscribers receive them on buffered channels, and slow
// subscribers lose events rather than stalling a broadcast. Loss shows up
// in the drop counters, not in producer latency.
package transport

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/jeranaias/chorus/internal/protocol"
)

// subscriberBufferSize is each subscriber channel's capacity. Deep enough
// to absorb token bursts from several concurrent panes.
const subscriberBufferSize = 128

// Sink is the send-side surface handed to event producers.
type Sink interface {
	// SendEvent delivers an event to a session's subscribers.
	// Fire-and-forget: never blocks, never returns an error.
	SendEvent(sessionID string, ev protocol.Event)
}

// =============================================================================
// HUB
// =============================================================================

// Hub routes events to per-session subscriber channels.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*topic
	closed   bool

	published atomic.Int64
	dropped   atomic.Int64
}

// topic is one session's subscriber set.
type topic struct {
	subs   map[int]chan protocol.Event
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*topic),
	}
}

// SendEvent implements Sink. Events for sessions with no subscribers are
// counted and discarded; a full subscriber buffer drops the event for that
// subscriber only.
func (h *Hub) SendEvent(sessionID string, ev protocol.Event) {
	h.published.Add(1)

	// Sends happen under the read lock. They never block, and closing a
	// subscriber channel requires the write lock, so a send cannot race a
	// close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber for a session's events. The returned
// cancel func is idempotent and safe to call after DropSession.
func (h *Hub) Subscribe(sessionID string) (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t, ok := h.sessions[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan protocol.Event)}
		h.sessions[sessionID] = t
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			t, ok := h.sessions[sessionID]
			if !ok {
				return
			}
			if _, live := t.subs[id]; !live {
				return
			}
			delete(t.subs, id)
			close(ch)
			if len(t.subs) == 0 {
				delete(h.sessions, sessionID)
			}
		})
	}
	return ch, cancel
}

// DropSession closes every subscriber of a session and forgets the topic.
// Used when a session is deleted.
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	delete(h.sessions, sessionID)
	log.Printf("HUB_SESSION_DROPPED | session=%s", sessionID)
}

// Close drops every session. Further subscribes get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sessionID, t := range h.sessions {
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
		delete(h.sessions, sessionID)
	}
}

// =============================================================================
// STATS
// =============================================================================

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Sessions    int   `json:"sessions"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := 0
	for _, t := range h.sessions {
		subs += len(t.subs)
	}
	return Stats{
		Sessions:    len(h.sessions),
		Subscribers: subs,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
