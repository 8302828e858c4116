// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewMessage_GeneratesID(t *testing.T) {
	msg := NewUserMessage("hello")
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Errorf("Message ID = %q, want msg_ prefix", msg.ID)
	}
	if msg.Role != RoleUser {
		t.Errorf("Role = %q, want %q", msg.Role, RoleUser)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg := NewUserMessage("x")
		if seen[msg.ID] {
			t.Fatalf("Duplicate message ID %q", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestMessage_Clone(t *testing.T) {
	orig := NewAssistantMessage("original")
	orig.Provenance = NewProvenance("google:gemini-pro", "pane_abc", "original")

	clone := orig.Clone()
	clone.Content = "modified"
	clone.Provenance.SourceModel = "changed"

	if orig.Content != "original" {
		t.Errorf("Clone mutation leaked into original content: %q", orig.Content)
	}
	if orig.Provenance.SourceModel != "google:gemini-pro" {
		t.Errorf("Clone mutation leaked into original provenance: %q", orig.Provenance.SourceModel)
	}
}

func TestMessage_Preview(t *testing.T) {
	tests := []struct {
		name    string
		content string
		maxLen  int
		want    string
	}{
		{"short content", "hi", 10, "hi"},
		{"exact length", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"unicode safe", "héllo wörld", 8, "héllo..."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := NewUserMessage(tc.content)
			if got := msg.Preview(tc.maxLen); got != tc.want {
				t.Errorf("Preview(%d) = %q, want %q", tc.maxLen, got, tc.want)
			}
		})
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !r.Valid() {
			t.Errorf("Role %q should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Error("Role \"tool\" should not be valid")
	}
}

// =============================================================================
// PROVENANCE TESTS
// =============================================================================

func TestHashContent_Stable(t *testing.T) {
	a := HashContent("same content")
	b := HashContent("same content")
	if a != b {
		t.Errorf("HashContent not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("HashContent length = %d, want 16", len(a))
	}
	if HashContent("other") == a {
		t.Error("Different content should hash differently")
	}
}

func TestNewProvenance(t *testing.T) {
	p := NewProvenance("groq:llama-3.1-8b-instant", "pane_src", "body")
	if p.SourceModel != "groq:llama-3.1-8b-instant" {
		t.Errorf("SourceModel = %q", p.SourceModel)
	}
	if p.SourcePaneID != "pane_src" {
		t.Errorf("SourcePaneID = %q", p.SourcePaneID)
	}
	if p.ContentHash != HashContent("body") {
		t.Errorf("ContentHash = %q, want %q", p.ContentHash, HashContent("body"))
	}
	if p.TransferTimestamp.IsZero() {
		t.Error("TransferTimestamp should be set")
	}
}

// =============================================================================
// PANE TESTS
// =============================================================================

func TestNewPane(t *testing.T) {
	info := ModelInfo{ID: "google:gemini-pro", Name: "Gemini Pro", Provider: "google"}
	pane := NewPane(info)

	if !strings.HasPrefix(pane.ID, "pane_") {
		t.Errorf("Pane ID = %q, want pane_ prefix", pane.ID)
	}
	if pane.Model.ID != "google:gemini-pro" {
		t.Errorf("Model.ID = %q", pane.Model.ID)
	}
	if pane.MessageCount() != 0 {
		t.Errorf("MessageCount = %d, want 0", pane.MessageCount())
	}
	if pane.IsStreaming {
		t.Error("New pane should not be streaming")
	}
}

func TestPane_MessageByID(t *testing.T) {
	pane := NewPane(ModelInfo{ID: "groq:llama-3.1-8b-instant"})
	msg := NewUserMessage("find me")
	pane.AppendMessage(msg)
	pane.AppendMessage(NewAssistantMessage("other"))

	if got := pane.MessageByID(msg.ID); got == nil || got.Content != "find me" {
		t.Errorf("MessageByID(%q) = %v", msg.ID, got)
	}
	if got := pane.MessageByID("msg_nonexistent"); got != nil {
		t.Errorf("MessageByID(missing) = %v, want nil", got)
	}
}

func TestPane_LastAssistant(t *testing.T) {
	pane := NewPane(ModelInfo{})
	if pane.LastAssistant() != nil {
		t.Error("LastAssistant on empty pane should be nil")
	}

	pane.AppendMessage(NewUserMessage("q1"))
	pane.AppendMessage(NewAssistantMessage("a1"))
	pane.AppendMessage(NewUserMessage("q2"))
	pane.AppendMessage(NewAssistantMessage("a2"))

	if got := pane.LastAssistant(); got == nil || got.Content != "a2" {
		t.Errorf("LastAssistant = %v, want content a2", got)
	}
}

func TestPane_ClearMessages(t *testing.T) {
	pane := NewPane(ModelInfo{})
	pane.AppendMessage(NewUserMessage("one"))
	pane.AppendMessage(NewUserMessage("two"))

	pane.ClearMessages()
	if pane.MessageCount() != 0 {
		t.Errorf("MessageCount after clear = %d, want 0", pane.MessageCount())
	}
}

func TestMetrics_Accumulate(t *testing.T) {
	var m Metrics
	m.Accumulate(100, 0.01, 250)
	m.Accumulate(50, 0.005, 300)

	if m.TokenCount != 150 {
		t.Errorf("TokenCount = %d, want 150", m.TokenCount)
	}
	if m.Cost != 0.015 {
		t.Errorf("Cost = %f, want 0.015", m.Cost)
	}
	if m.LatencyMs != 300 {
		t.Errorf("LatencyMs = %d, want 300 (most recent)", m.LatencyMs)
	}
	if m.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", m.RequestCount)
	}
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestNewSession_GeneratedID(t *testing.T) {
	sess := NewSession("")
	if sess.ID == "" {
		t.Error("Empty id should produce a generated UUID")
	}
	if sess.PaneCount() != 0 {
		t.Errorf("PaneCount = %d, want 0", sess.PaneCount())
	}
}

func TestNewSession_ExplicitID(t *testing.T) {
	sess := NewSession("workspace-1")
	if sess.ID != "workspace-1" {
		t.Errorf("ID = %q, want workspace-1", sess.ID)
	}
}

func TestSession_PaneLookup(t *testing.T) {
	sess := NewSession("s")
	p1 := NewPane(ModelInfo{ID: "google:gemini-pro"})
	p2 := NewPane(ModelInfo{ID: "groq:llama-3.1-8b-instant"})
	sess.AddPane(p1)
	sess.AddPane(p2)

	if got := sess.Pane(p2.ID); got != p2 {
		t.Errorf("Pane(%q) = %v, want p2", p2.ID, got)
	}
	if got := sess.Pane("pane_missing"); got != nil {
		t.Errorf("Pane(missing) = %v, want nil", got)
	}
}

func TestSession_RemovePane(t *testing.T) {
	sess := NewSession("s")
	p := NewPane(ModelInfo{})
	sess.AddPane(p)

	if !sess.RemovePane(p.ID) {
		t.Error("RemovePane should return true for existing pane")
	}
	if sess.RemovePane(p.ID) {
		t.Error("RemovePane should return false for missing pane")
	}
	if sess.PaneCount() != 0 {
		t.Errorf("PaneCount = %d, want 0", sess.PaneCount())
	}
}

func TestSession_Clone_Independent(t *testing.T) {
	sess := NewSession("s")
	pane := NewPane(ModelInfo{ID: "litellm:openai/gpt-4o"})
	pane.AppendMessage(NewUserMessage("hello"))
	sess.AddPane(pane)
	sess.TotalCost = 0.5

	clone := sess.Clone()
	clone.TotalCost = 9.9
	clone.Panes[0].Messages[0].Content = "mutated"
	clone.Panes[0].AppendMessage(NewUserMessage("extra"))

	if sess.TotalCost != 0.5 {
		t.Errorf("TotalCost mutated through clone: %f", sess.TotalCost)
	}
	if sess.Panes[0].Messages[0].Content != "hello" {
		t.Errorf("Message mutated through clone: %q", sess.Panes[0].Messages[0].Content)
	}
	if sess.Panes[0].MessageCount() != 1 {
		t.Errorf("MessageCount = %d, want 1", sess.Panes[0].MessageCount())
	}
}
