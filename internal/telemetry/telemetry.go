// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry persists per-exchange usage accounting.
//
// Session metrics live inside the session store and vanish with the
// session; the telemetry recorder is the durable trail. One row lands per
// completed exchange with tokens, cost, and latency, and the aggregation
// queries answer "what did this session cost" and "which models burn the
// budget" after the sessions themselves are gone.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder writes usage rows to SQLite. Safe for concurrent use; the
// connection pool is capped at one because SQLite allows a single writer.
type Recorder struct {
	db   *sql.DB
	path string
}

// NewRecorder opens (or creates) the usage database at path. ":memory:"
// gives an ephemeral recorder for tests.
func NewRecorder(path string) (*Recorder, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	log.Printf("TELEMETRY_OPEN | path=%s", path)
	return &Recorder{db: db, path: path}, nil
}

// RecordUsage inserts one usage row. Satisfies the orchestrator's usage
// recorder contract.
func (r *Recorder) RecordUsage(ctx context.Context, sessionID, paneID, provider, modelID string, tokens int, cost float64, latencyMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (session_id, pane_id, provider, model_id, token_count, cost, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, paneID, provider, modelID, tokens, cost, latencyMs, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (r *Recorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// =============================================================================
// AGGREGATIONS
// =============================================================================

// UsageTotals aggregates request count, tokens, and cost.
type UsageTotals struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// ModelUsage aggregates usage for one model.
type ModelUsage struct {
	Provider string  `json:"provider"`
	ModelID  string  `json:"model_id"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Totals returns usage across all sessions.
func (r *Recorder) Totals(ctx context.Context) (UsageTotals, error) {
	var t UsageTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
	`).Scan(&t.Requests, &t.Tokens, &t.Cost)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("query totals: %w", err)
	}
	return t, nil
}

// SessionTotals returns usage for one session. Sessions with no recorded
// usage return zero totals, not an error.
func (r *Recorder) SessionTotals(ctx context.Context, sessionID string) (UsageTotals, error) {
	var t UsageTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE session_id = ?
	`, sessionID).Scan(&t.Requests, &t.Tokens, &t.Cost)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("query session totals: %w", err)
	}
	return t, nil
}

// DailyUsage aggregates usage for one calendar day (UTC).
type DailyUsage struct {
	Date     string  `json:"date"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Daily returns per-day usage over the trailing window, oldest first.
// Days with no recorded usage are absent from the result.
func (r *Recorder) Daily(ctx context.Context, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := r.db.QueryContext(ctx, `
		SELECT date(recorded_at, 'unixepoch'), COUNT(*), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE recorded_at >= ?
		GROUP BY date(recorded_at, 'unixepoch')
		ORDER BY date(recorded_at, 'unixepoch') ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Requests, &d.Tokens, &d.Cost); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TopModels returns the most expensive models by accumulated cost.
func (r *Recorder) TopModels(ctx context.Context, limit int) ([]ModelUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider, model_id, COUNT(*), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		GROUP BY provider, model_id
		ORDER BY SUM(cost) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top models: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Provider, &m.ModelID, &m.Requests, &m.Tokens, &m.Cost); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
