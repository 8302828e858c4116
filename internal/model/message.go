// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// PROVENANCE TYPE
// =============================================================================

// Provenance records where a transferred message came from. It is attached
// to messages copied between panes so the receiving side can attribute
// content to its original model. ContentHash is a fingerprint for auditing,
// not an integrity check.
type Provenance struct {
	SourceModel       string    `json:"source_model"`
	SourcePaneID      string    `json:"source_pane_id"`
	TransferTimestamp time.Time `json:"transfer_timestamp"`
	ContentHash       string    `json:"content_hash"`
}

// NewProvenance stamps a provenance record for content leaving sourcePane.
func NewProvenance(sourceModel, sourcePaneID, content string) *Provenance {
	return &Provenance{
		SourceModel:       sourceModel,
		SourcePaneID:      sourcePaneID,
		TransferTimestamp: time.Now(),
		ContentHash:       HashContent(content),
	}
}

// HashContent returns a short SHA-256 fingerprint of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a pane's conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Set only on messages copied in from another pane.
	Provenance *Provenance `json:"provenance,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) *Message {
	return NewMessage(RoleAssistant, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Provenance != nil {
		p := *m.Provenance
		c.Provenance = &p
	}
	return &c
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// generatePaneID creates a unique pane ID.
func generatePaneID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "pane_" + hex.EncodeToString(bytes)
}
