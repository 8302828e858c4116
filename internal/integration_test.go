// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package internal contains end-to-end tests over the fully wired service.
//
// Run with: go test -race ./internal/
//
// These tests assemble the same object graph main.go builds (store, registry,
// hub, orchestrator, transfer pipeline, telemetry recorder, HTTP server) and
// drive it through the public API: broadcast fan-out over HTTP, event
// delivery over WebSocket, cross-pane transfer, and teardown. Concurrency
// tests exercise the per-session locking under parallel broadcasts.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/chorus/internal/adapter"
	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/orchestrator"
	"github.com/jeranaias/chorus/internal/protocol"
	"github.com/jeranaias/chorus/internal/server"
	"github.com/jeranaias/chorus/internal/store"
	"github.com/jeranaias/chorus/internal/telemetry"
	"github.com/jeranaias/chorus/internal/transfer"
	"github.com/jeranaias/chorus/internal/transport"
	"github.com/jeranaias/chorus/internal/util"
)

const (
	// Wall-clock budget for every polling wait in this file.
	e2eTimeout = 5 * time.Second

	// Sessions broadcasting in parallel in the isolation test.
	raceSessions = 4

	// Broadcasts racing into one session in the shared-session test.
	raceBroadcasts = 5
)

// =============================================================================
// SCRIPTED ADAPTER
// =============================================================================

// fakeAdapter replays a fixed token script for every Stream call. A non-zero
// gap yields between fragments so concurrent streams genuinely interleave.
type fakeAdapter struct {
	name   string
	models []model.ModelInfo
	chunks []string
	gap    time.Duration
}

func (f *fakeAdapter) Provider() string { return f.name }
func (f *fakeAdapter) Configured() bool { return true }

func (f *fakeAdapter) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	return f.models, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req adapter.StreamRequest) <-chan protocol.Event {
	out := make(chan protocol.Event, 8)
	go func() {
		defer close(out)
		out <- protocol.NewStatus(req.PaneID, protocol.StateConnecting)
		out <- protocol.NewStatus(req.PaneID, protocol.StateStreaming)

		var full strings.Builder
		for i, fragment := range f.chunks {
			if f.gap > 0 {
				time.Sleep(f.gap)
			}
			full.WriteString(fragment)
			select {
			case out <- protocol.NewToken(req.PaneID, fragment, i+1):
			case <-ctx.Done():
				return
			}
		}
		out <- protocol.NewFinal(req.PaneID, full.String(), "stop")
		out <- protocol.NewMeter(req.PaneID, len(f.chunks), 0.0004, 12)
	}()
	return out
}

// provider builds a fakeAdapter with one catalog entry.
func provider(name, modelID, displayName string, gap time.Duration, chunks ...string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		models: []model.ModelInfo{{
			ID:                name + ":" + modelID,
			Name:              displayName,
			Provider:          name,
			MaxTokens:         4096,
			CostPer1KTokens:   0.001,
			SupportsStreaming: true,
		}},
		chunks: chunks,
		gap:    gap,
	}
}

// =============================================================================
// SERVICE HARNESS
// =============================================================================

// service is the full wired stack behind an httptest listener.
type service struct {
	ts  *httptest.Server
	st  store.Store
	hub *transport.Hub
	rec *telemetry.Recorder
}

func newService(t *testing.T, adapters ...adapter.Adapter) *service {
	t.Helper()

	st, err := store.NewStore(store.TypeMemory)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	hub := transport.NewHub()
	locks := util.NewKeyedMutex()

	rec, err := telemetry.NewRecorder(":memory:")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	orch := orchestrator.New(st, reg, hub,
		orchestrator.WithSessionLocks(locks),
		orchestrator.WithUsageRecorder(rec))
	transfers := transfer.NewPipeline(st, reg, orchestrator.Exchange,
		transfer.WithSessionLocks(locks))

	srv := server.NewServer(server.DefaultHost, 0, server.Deps{
		Store:        st,
		Registry:     reg,
		Orchestrator: orch,
		Transfers:    transfers,
		Hub:          hub,
	}).
		WithSessionLocks(locks).
		WithUsage(rec)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hub.Close()
		rec.Close()
		st.Close()
	})

	return &service{ts: ts, st: st, hub: hub, rec: rec}
}

func (s *service) postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode POST %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (s *service) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode GET %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// dialWS connects a session's event stream and waits for the hub to see the
// subscription, so events published right after cannot race the handshake.
func (s *service) dialWS(t *testing.T, sessionID string, wantSubscribers int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return s.hub.Stats().Subscribers >= wantSubscribers },
		"hub never saw the subscription")
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(e2eTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// broadcast fires one two-model fan-out without touching testing.T, so the
// concurrency tests can call it from spawned goroutines.
func (s *service) broadcast(sessionID, prompt string) ([]string, error) {
	body, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"prompt":     prompt,
		"models": []map[string]any{
			{"provider_id": "alpha", "model_id": "a-1"},
			{"provider_id": "beta", "model_id": "b-1"},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(s.ts.URL+"/broadcast", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broadcast status %d", resp.StatusCode)
	}
	var br server.BroadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, err
	}
	return br.PaneIDs, nil
}

// =============================================================================
// STREAM TRACE
// =============================================================================

// paneTrace accumulates one destination's event sequence for invariant
// checks: status order, monotonic positions, token concat, meter placement.
type paneTrace struct {
	states    []string
	concat    strings.Builder
	lastPos   int
	final     string
	finalSeen bool
	meterSeen bool
}

func (tr *paneTrace) observe(t *testing.T, ev protocol.Event) {
	t.Helper()
	switch ev.Type {
	case protocol.EventStatus:
		tr.states = append(tr.states, ev.State)
	case protocol.EventToken:
		if tr.finalSeen {
			t.Errorf("pane %s: token after final", ev.PaneID)
		}
		if ev.Position != tr.lastPos+1 {
			t.Errorf("pane %s: position %d after %d", ev.PaneID, ev.Position, tr.lastPos)
		}
		tr.lastPos = ev.Position
		tr.concat.WriteString(ev.Content)
	case protocol.EventFinal:
		if tr.finalSeen {
			t.Errorf("pane %s: second final", ev.PaneID)
		}
		tr.finalSeen = true
		tr.final = ev.Content
		if ev.MessageID == "" {
			t.Errorf("pane %s: final missing message_id", ev.PaneID)
		}
	case protocol.EventMeter:
		if !tr.finalSeen {
			t.Errorf("pane %s: meter before final", ev.PaneID)
		}
		if tr.meterSeen {
			t.Errorf("pane %s: second meter", ev.PaneID)
		}
		tr.meterSeen = true
	case protocol.EventError:
		t.Errorf("pane %s: unexpected error event: %s", ev.PaneID, ev.Message)
	}
}

// collectStreams reads events until every expected pane has produced its
// meter, then verifies the sequence invariants per pane.
func collectStreams(t *testing.T, conn *websocket.Conn, paneIDs []string) map[string]*paneTrace {
	t.Helper()
	expected := make(map[string]bool, len(paneIDs))
	for _, id := range paneIDs {
		expected[id] = true
	}
	traces := make(map[string]*paneTrace, len(paneIDs))
	metered := 0

	for metered < len(paneIDs) {
		conn.SetReadDeadline(time.Now().Add(e2eTimeout))
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON with %d/%d panes metered: %v", metered, len(paneIDs), err)
		}
		if !expected[ev.PaneID] {
			t.Fatalf("event for foreign pane %s", ev.PaneID)
		}
		tr := traces[ev.PaneID]
		if tr == nil {
			tr = &paneTrace{}
			traces[ev.PaneID] = tr
		}
		tr.observe(t, ev)
		if ev.Type == protocol.EventMeter {
			metered++
		}
	}

	for id, tr := range traces {
		if len(tr.states) < 2 || tr.states[0] != protocol.StateConnecting || tr.states[1] != protocol.StateStreaming {
			t.Errorf("pane %s: states = %v, want [connecting streaming ...]", id, tr.states)
		}
		if tr.concat.String() != tr.final {
			t.Errorf("pane %s: token concat %q != final %q", id, tr.concat.String(), tr.final)
		}
	}
	return traces
}

// =============================================================================
// END TO END
// =============================================================================

func TestEndToEnd_BroadcastTransferDelete(t *testing.T) {
	svc := newService(t,
		provider("alpha", "a-1", "Alpha One", 0, "the ", "quick ", "fox"),
		provider("beta", "b-1", "Beta Prime", 0, "jumps ", "high"),
	)

	conn := svc.dialWS(t, "e2e-1", 1)

	var br server.BroadcastResponse
	status := svc.postJSON(t, "/broadcast", map[string]any{
		"session_id": "e2e-1",
		"prompt":     "compare yourselves",
		"models": []map[string]any{
			{"provider_id": "alpha", "model_id": "a-1"},
			{"provider_id": "beta", "model_id": "b-1"},
		},
	}, &br)
	if status != http.StatusOK {
		t.Fatalf("broadcast status = %d, want 200", status)
	}
	if len(br.PaneIDs) != 2 || !br.Started {
		t.Fatalf("broadcast response = %+v, want 2 panes started", br)
	}

	traces := collectStreams(t, conn, br.PaneIDs)

	// Both panes committed: seeded prompt, assistant reply, metrics, cost.
	var sess model.Session
	if code := svc.getJSON(t, "/sessions/e2e-1", &sess); code != http.StatusOK {
		t.Fatalf("get session status = %d", code)
	}
	if len(sess.Panes) != 2 {
		t.Fatalf("session has %d panes, want 2", len(sess.Panes))
	}
	for _, pane := range sess.Panes {
		if n := len(pane.Messages); n != 2 {
			t.Fatalf("pane %s has %d messages, want user+assistant", pane.ID, n)
		}
		if pane.Messages[0].Content != "compare yourselves" {
			t.Errorf("pane %s seed = %q", pane.ID, pane.Messages[0].Content)
		}
		if got := pane.Messages[1].Content; got != traces[pane.ID].final {
			t.Errorf("pane %s assistant = %q, want %q", pane.ID, got, traces[pane.ID].final)
		}
		if pane.Metrics.TokenCount == 0 || pane.Metrics.Cost == 0 {
			t.Errorf("pane %s metrics not accumulated: %+v", pane.ID, pane.Metrics)
		}
		if pane.IsStreaming {
			t.Errorf("pane %s still marked streaming after meter", pane.ID)
		}
	}
	if sess.TotalCost < 0.0007 || sess.TotalCost > 0.0009 {
		t.Errorf("TotalCost = %v, want 0.0008", sess.TotalCost)
	}

	// Transfer the first pane's conversation into the second.
	var tr server.SendToResponse
	status = svc.postJSON(t, "/send-to", map[string]any{
		"session_id":     "e2e-1",
		"source_pane_id": br.PaneIDs[0],
		"target_pane_id": br.PaneIDs[1],
		"mode":           "append",
	}, &tr)
	if status != http.StatusOK || tr.TransferredCount != 2 {
		t.Fatalf("transfer = status %d count %d, want 200/2", status, tr.TransferredCount)
	}

	svc.getJSON(t, "/sessions/e2e-1", &sess)
	target := paneByID(&sess, br.PaneIDs[1])
	if target == nil {
		t.Fatal("target pane vanished")
	}
	// Own 2 + 2 copies + bookkeeping note.
	if n := len(target.Messages); n != 5 {
		t.Fatalf("target has %d messages after transfer, want 5", n)
	}
	copied := target.Messages[2]
	if copied.Provenance == nil || copied.Provenance.SourcePaneID != br.PaneIDs[0] {
		t.Errorf("transferred message provenance = %+v, want source %s", copied.Provenance, br.PaneIDs[0])
	}
	if copied.Role != model.RoleUser {
		t.Errorf("transferred role = %q, want coerced to user", copied.Role)
	}

	// Usage rows flowed meter -> recorder -> /stats.
	var stats server.StatsResponse
	svc.getJSON(t, "/stats", &stats)
	if stats.Usage == nil {
		t.Fatal("stats.Usage = nil with a recorder wired")
	}
	if stats.Usage.Requests != 2 || stats.Usage.Tokens != 5 {
		t.Errorf("usage = %d requests / %d tokens, want 2 / 5", stats.Usage.Requests, stats.Usage.Tokens)
	}

	// Deleting the session closes its event stream with a proper close frame.
	req, _ := http.NewRequest(http.MethodDelete, svc.ts.URL+"/sessions/e2e-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(e2eTimeout))
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("close error = %v, want normal closure", err)
			}
			break
		}
	}
}

func paneByID(sess *model.Session, id string) *model.Pane {
	for _, p := range sess.Panes {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// TestConcurrency_SessionIsolation runs parallel broadcasts in separate
// sessions, each with its own subscriber, and verifies no event crosses
// session boundaries while streams interleave.
func TestConcurrency_SessionIsolation(t *testing.T) {
	svc := newService(t,
		provider("alpha", "a-1", "Alpha One", 2*time.Millisecond, "one ", "two ", "three"),
		provider("beta", "b-1", "Beta Prime", 3*time.Millisecond, "red ", "blue"),
	)

	conns := make([]*websocket.Conn, raceSessions)
	sessionIDs := make([]string, raceSessions)
	for i := 0; i < raceSessions; i++ {
		sessionIDs[i] = fmt.Sprintf("iso-%d", i)
		conns[i] = svc.dialWS(t, sessionIDs[i], i+1)
	}

	paneSets := make([][]string, raceSessions)
	var launch sync.WaitGroup
	for i := 0; i < raceSessions; i++ {
		launch.Add(1)
		go func(n int) {
			defer launch.Done()
			paneIDs, err := svc.broadcast(sessionIDs[n], fmt.Sprintf("prompt %d", n))
			if err != nil {
				t.Errorf("session %s: %v", sessionIDs[n], err)
				return
			}
			paneSets[n] = paneIDs
		}(i)
	}
	launch.Wait()

	// The streams interleave server-side; each subscriber buffer (and the
	// socket) holds this test's small event volume, so the connections can
	// be drained one at a time. collectStreams fails on any event whose
	// pane is not in that session's set, which is the isolation property.
	for i := 0; i < raceSessions; i++ {
		if len(paneSets[i]) == 0 {
			continue
		}
		collectStreams(t, conns[i], paneSets[i])
	}

	count, err := svc.st.Count(context.Background())
	if err != nil || count != raceSessions {
		t.Errorf("store count = %d (%v), want %d", count, err, raceSessions)
	}
}

// TestConcurrency_BroadcastsShareSession fires several broadcasts into one
// session at once. The per-session lock must serialize the read-modify-write
// commits so every pane lands and the cost total is exact.
func TestConcurrency_BroadcastsShareSession(t *testing.T) {
	svc := newService(t,
		provider("alpha", "a-1", "Alpha One", time.Millisecond, "alpha ", "done"),
		provider("beta", "b-1", "Beta Prime", time.Millisecond, "beta ", "done"),
	)

	var launch sync.WaitGroup
	for i := 0; i < raceBroadcasts; i++ {
		launch.Add(1)
		go func(n int) {
			defer launch.Done()
			if _, err := svc.broadcast("shared", fmt.Sprintf("wave %d", n)); err != nil {
				t.Errorf("wave %d: %v", n, err)
			}
		}(i)
	}
	launch.Wait()

	wantPanes := raceBroadcasts * 2
	var sess model.Session
	waitFor(t, func() bool {
		sess = model.Session{}
		if svc.getJSON(t, "/sessions/shared", &sess) != http.StatusOK {
			return false
		}
		if len(sess.Panes) != wantPanes {
			return false
		}
		for _, p := range sess.Panes {
			if len(p.Messages) < 2 || p.IsStreaming {
				return false
			}
		}
		return true
	}, "not all panes completed")

	wantCost := float64(wantPanes) * 0.0004
	if sess.TotalCost < wantCost-0.0001 || sess.TotalCost > wantCost+0.0001 {
		t.Errorf("TotalCost = %v, want %v (additive, order-independent)", sess.TotalCost, wantCost)
	}

	var stats server.StatsResponse
	svc.getJSON(t, "/stats", &stats)
	if stats.Usage == nil || stats.Usage.Requests != wantPanes {
		t.Errorf("usage requests = %+v, want %d", stats.Usage, wantPanes)
	}
}
