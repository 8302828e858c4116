// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/chorus/internal/model"
	"github.com/jeranaias/chorus/internal/protocol"
)

// collectEvents drains a stream channel with a safety timeout.
func collectEvents(t *testing.T, ch <-chan protocol.Event) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close; collected %d events", len(events))
			return events
		}
	}
}

// eventsOfType filters collected events by type.
func eventsOfType(events []protocol.Event, typ protocol.EventType) []protocol.Event {
	var out []protocol.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// concatTokens joins token event content in order.
func concatTokens(events []protocol.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == protocol.EventToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func userMessages(contents ...string) []*model.Message {
	msgs := make([]*model.Message, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, model.NewUserMessage(c))
	}
	return msgs
}

// =============================================================================
// GOOGLE ADAPTER TESTS
// =============================================================================

func TestGoogle_StreamWholeArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-pro:streamGenerateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing key query param")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"candidates":[{"content":{"parts":[{"text":"Hello brave "}]}}]},
			{"candidates":[{"content":{"parts":[{"text":"new world"}]},"finishReason":"STOP"}]}
		]`))
	}))
	defer server.Close()

	g := NewGoogle("test-key", server.URL)
	events := collectEvents(t, g.Stream(context.Background(), StreamRequest{
		Messages: userMessages("hi"),
		ModelID:  "google:gemini-pro",
		PaneID:   "pane_g",
	}))

	tokens := eventsOfType(events, protocol.EventToken)
	if len(tokens) != 2 {
		t.Fatalf("got %d token events, want 2", len(tokens))
	}
	// Positions are cumulative word counts: 2 words, then 4.
	if tokens[0].Position != 2 || tokens[1].Position != 4 {
		t.Errorf("positions = %d, %d, want 2, 4", tokens[0].Position, tokens[1].Position)
	}

	finals := eventsOfType(events, protocol.EventFinal)
	if len(finals) != 1 {
		t.Fatalf("got %d final events, want 1", len(finals))
	}
	if finals[0].Content != "Hello brave new world" {
		t.Errorf("final content = %q", finals[0].Content)
	}
	if finals[0].FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", finals[0].FinishReason)
	}
	if got := concatTokens(events); got != finals[0].Content {
		t.Errorf("token concat %q != final %q", got, finals[0].Content)
	}

	meters := eventsOfType(events, protocol.EventMeter)
	if len(meters) != 1 {
		t.Fatalf("got %d meter events, want 1", len(meters))
	}
	if meters[0].TokenCount != 4 {
		t.Errorf("meter tokens = %d, want 4", meters[0].TokenCount)
	}
	wantCost := EstimateCost(ProviderGoogle, "gemini-pro", 4)
	if meters[0].Cost != wantCost {
		t.Errorf("meter cost = %g, want %g", meters[0].Cost, wantCost)
	}

	// Meter must directly follow final, and nothing may follow meter.
	last, prev := events[len(events)-1], events[len(events)-2]
	if prev.Type != protocol.EventFinal || last.Type != protocol.EventMeter {
		t.Errorf("tail events = %s, %s, want final, meter", prev.Type, last.Type)
	}

	for _, ev := range events {
		if ev.PaneID != "pane_g" {
			t.Errorf("event %s has pane %q, want pane_g", ev.Type, ev.PaneID)
		}
	}
}

func TestGoogle_MissingKeySkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	g := NewGoogle("", server.URL)
	events := collectEvents(t, g.Stream(context.Background(), StreamRequest{
		Messages: userMessages("hi"),
		ModelID:  "gemini-pro",
		PaneID:   "pane_g",
	}))

	if calls.Load() != 0 {
		t.Errorf("adapter reached the network %d times with no key", calls.Load())
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].Type != protocol.EventError || events[0].Code != CodeAuthError {
		t.Errorf("event = %s code=%q, want error auth_error", events[0].Type, events[0].Code)
	}
	if events[0].Retryable {
		t.Error("auth_error must not be retryable")
	}
}

func TestGoogle_SilentCompletionOnUnparseableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not json"))
	}))
	defer server.Close()

	g := NewGoogle("test-key", server.URL)
	events := collectEvents(t, g.Stream(context.Background(), StreamRequest{
		Messages: userMessages("hi"),
		ModelID:  "gemini-pro",
		PaneID:   "pane_g",
	}))

	// Only the connecting status; no terminal event of any kind.
	if len(events) != 1 || events[0].Type != protocol.EventStatus {
		t.Fatalf("events = %v, want single status", events)
	}
	for _, ev := range events {
		if ev.Terminal() {
			t.Errorf("unparseable body must not produce a terminal event, got %s", ev.Type)
		}
	}
}

func TestGoogle_EmptyArraySilentCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	g := NewGoogle("test-key", server.URL)
	events := collectEvents(t, g.Stream(context.Background(), StreamRequest{
		Messages: userMessages("hi"),
		ModelID:  "gemini-pro",
		PaneID:   "pane_g",
	}))

	if got := eventsOfType(events, protocol.EventFinal); len(got) != 0 {
		t.Errorf("empty array produced %d final events, want 0", len(got))
	}
	if got := eventsOfType(events, protocol.EventError); len(got) != 0 {
		t.Errorf("empty array produced %d error events, want 0", len(got))
	}
}

func TestGoogle_HTTPErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantCode      string
		wantRetryable bool
	}{
		{"rate limited", 429, "http_429", true},
		{"forbidden", 403, "http_403", false},
		{"not found", 404, "http_404", false},
		{"server error", 500, "http_500", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":{"message":"denied"}}`))
			}))
			defer server.Close()

			g := NewGoogle("test-key", server.URL)
			events := collectEvents(t, g.Stream(context.Background(), StreamRequest{
				Messages: userMessages("hi"),
				ModelID:  "gemini-pro",
				PaneID:   "pane_g",
			}))

			errs := eventsOfType(events, protocol.EventError)
			if len(errs) != 1 {
				t.Fatalf("got %d error events, want 1", len(errs))
			}
			if errs[0].Code != tc.wantCode {
				t.Errorf("code = %q, want %q", errs[0].Code, tc.wantCode)
			}
			if errs[0].Retryable != tc.wantRetryable {
				t.Errorf("retryable = %t, want %t", errs[0].Retryable, tc.wantRetryable)
			}
		})
	}
}

func TestGoogle_RoleMapping(t *testing.T) {
	msgs := []*model.Message{
		model.NewUserMessage("u"),
		model.NewAssistantMessage("a"),
		model.NewSystemMessage("s"),
	}
	contents := toGoogleContents(msgs)
	want := []string{"user", "model", "model"}
	for i, c := range contents {
		if c.Role != want[i] {
			t.Errorf("content[%d].Role = %q, want %q", i, c.Role, want[i])
		}
	}
}

func TestGoogle_Catalog(t *testing.T) {
	g := NewGoogle("", "")
	infos, err := g.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(infos) == 0 {
		t.Fatal("catalog should not be empty")
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.ID, "google:") {
			t.Errorf("catalog id %q should carry the google: namespace", info.ID)
		}
	}
}
