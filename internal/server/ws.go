// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/chorus/internal/protocol"
)

// =============================================================================
// WEBSOCKET STREAMING
// =============================================================================

const (
	// wsWriteTimeout bounds every write to a WebSocket peer.
	wsWriteTimeout = 10 * time.Second

	// wsIdlePing is how long the connection may sit idle before the server
	// sends an application-level ping frame.
	wsIdlePing = 30 * time.Second

	// wsReadLimit caps inbound frames. Clients only send small control
	// messages; event traffic is strictly server to client.
	wsReadLimit = 4096

	// wsReplyBuffer is the control-reply channel depth per connection.
	wsReplyBuffer = 8
)

// wsClientMessage is an inbound control frame from the client.
type wsClientMessage struct {
	Type string `json:"type"`
}

// wsControlFrame is an outbound control frame. Pings omit the timestamp.
type wsControlFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// handleWebSocket upgrades the connection and streams the session's events
// until the client goes away or the session is deleted.
//
// Clients may connect before or after the first broadcast: the session is
// created on connect if it does not exist yet. The client protocol is tiny:
// {"type":"ping"} gets {"type":"pong","timestamp":...} back, and any inbound
// frame counts as proof of liveness. After wsIdlePing with no outbound
// traffic the server sends a JSON {"type":"ping"} so browser clients, which
// cannot see protocol-level pings, can detect a dead stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	if _, err := s.store.GetOrCreate(r.Context(), sessionID); err != nil {
		log.Printf("WS_SESSION_ERROR | session=%s error=%v", sessionID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Printf("WS_UPGRADE_FAIL | session=%s error=%v", sessionID, err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	events, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()
	defer conn.Close()

	log.Printf("WS_CONNECTED | session=%s remote=%s", sessionID, GetClientIP(r))

	replies := make(chan wsControlFrame, wsReplyBuffer)
	done := make(chan struct{})
	go s.wsWriteLoop(conn, sessionID, events, replies, done)

	// Read loop. The write loop owns the connection for writes; this side
	// only parses control frames and queues replies.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("WS_BAD_MESSAGE | session=%s data=%q", sessionID, truncateString(string(data), 80))
			continue
		}
		switch msg.Type {
		case "ping":
			frame := wsControlFrame{
				Type:      "pong",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			select {
			case replies <- frame:
			default:
			}
		case "heartbeat":
			// Receiving the frame is the liveness signal; no reply.
		}
	}

	close(done)
	log.Printf("WS_DISCONNECTED | session=%s", sessionID)
}

// wsWriteLoop is the single writer for one connection. It forwards session
// events, answers queued control frames, and pings idle connections. Any
// write failure closes the connection, which also unblocks the read loop.
func (s *Server) wsWriteLoop(conn *websocket.Conn, sessionID string, events <-chan protocol.Event, replies <-chan wsControlFrame, done <-chan struct{}) {
	idle := time.NewTicker(wsIdlePing)
	defer idle.Stop()

	writeJSON := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			log.Printf("WS_WRITE_FAIL | session=%s error=%v", sessionID, err)
			conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Session deleted: say goodbye properly.
				deadline := time.Now().Add(wsWriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
				conn.WriteControl(websocket.CloseMessage, msg, deadline)
				conn.Close()
				return
			}
			if !writeJSON(ev) {
				return
			}
			idle.Reset(wsIdlePing)
		case frame := <-replies:
			if !writeJSON(frame) {
				return
			}
			idle.Reset(wsIdlePing)
		case <-idle.C:
			if !writeJSON(wsControlFrame{Type: "ping"}) {
				return
			}
		case <-done:
			return
		}
	}
}
