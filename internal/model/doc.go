// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions, panes, and messages.
//
// This package defines the core domain types used throughout the application
// for representing multi-model chat workspaces.
//
// # Key Types
//
//   - Session: Shared workspace holding one pane per model plus aggregate cost
//   - Pane: A single model's conversation lane with its own message history
//   - Message: Single message with role, content, timestamp, and optional provenance
//   - Provenance: Attribution record for messages transferred between panes
//   - ModelInfo: Catalog entry for a model (namespaced ID, provider, cost)
//   - ModelSelection: One destination of a broadcast with generation parameters
//
// # Usage
//
// Create a session and add a pane:
//
//	sess := model.NewSession("")
//	pane := model.NewPane(info)
//	pane.AppendMessage(model.NewUserMessage("Hello!"))
//	sess.AddPane(pane)
package model
