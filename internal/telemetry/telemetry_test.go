// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chorus/internal/orchestrator"
)

// The recorder must plug straight into the orchestrator.
var _ orchestrator.UsageRecorder = (*Recorder)(nil)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(":memory:")
	require.NoError(t, err, "NewRecorder should open an in-memory database")
	t.Cleanup(func() { r.Close() })
	return r
}

func record(t *testing.T, r *Recorder, session, pane, provider, modelID string, tokens int, cost float64) {
	t.Helper()
	err := r.RecordUsage(context.Background(), session, pane, provider, modelID, tokens, cost, 120)
	require.NoError(t, err)
}

// =============================================================================
// AGGREGATE TESTS
// =============================================================================

func TestRecorderTotals(t *testing.T) {
	r := newTestRecorder(t)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 100, 0.01)
	record(t, r, "s1", "p2", "groq", "llama-3.3-70b-versatile", 50, 0.005)
	record(t, r, "s2", "p3", "google", "gemini-2.0-flash", 25, 0.0025)

	got, err := r.Totals(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, got.Requests)
	require.Equal(t, 175, got.Tokens)
	require.InDelta(t, 0.0175, got.Cost, 0.0001)
}

func TestRecorderSessionTotals(t *testing.T) {
	r := newTestRecorder(t)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 100, 0.01)
	record(t, r, "s2", "p2", "groq", "llama-3.3-70b-versatile", 999, 1.0)

	got, err := r.SessionTotals(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, got.Requests)
	require.Equal(t, 100, got.Tokens)

	empty, err := r.SessionTotals(context.Background(), "never-seen")
	require.NoError(t, err)
	require.Zero(t, empty.Requests, "unknown session should aggregate to zero")
	require.Zero(t, empty.Tokens)
	require.Zero(t, empty.Cost)
}

func TestRecorderTopModels(t *testing.T) {
	r := newTestRecorder(t)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 100, 0.01)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 100, 0.01)
	record(t, r, "s1", "p2", "groq", "llama-3.3-70b-versatile", 500, 0.5)

	top, err := r.TopModels(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "llama-3.3-70b-versatile", top[0].ModelID,
		"most expensive model should rank first")
	require.Equal(t, 2, top[1].Requests, "rows for the same model should group")
}

func TestRecorderDaily(t *testing.T) {
	r := newTestRecorder(t)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 100, 0.01)
	record(t, r, "s1", "p2", "groq", "llama-3.3-70b-versatile", 50, 0.005)

	daily, err := r.Daily(context.Background(), 7)
	require.NoError(t, err)
	require.NotEmpty(t, daily, "freshly recorded usage should produce a bucket")

	// All rows were recorded just now, so the bucket sums must match the
	// inserted totals regardless of how the window splits across midnight.
	var requests, tokens int
	var cost float64
	for _, d := range daily {
		require.NotEmpty(t, d.Date, "bucket date should be set")
		requests += d.Requests
		tokens += d.Tokens
		cost += d.Cost
	}
	require.Equal(t, 2, requests)
	require.Equal(t, 150, tokens)
	require.InDelta(t, 0.015, cost, 0.0001)
}

func TestRecorderTopModelsDefaultLimit(t *testing.T) {
	r := newTestRecorder(t)
	record(t, r, "s1", "p1", "google", "gemini-2.0-flash", 1, 0.001)

	top, err := r.TopModels(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
}
