// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"sort"
	"sync"
	"time"
)

// Record table bounds. When the table exceeds maxRecords, the oldest
// trimCount entries are evicted in one sweep.
const (
	maxRecords = 100
	trimCount  = 50
)

// =============================================================================
// BROADCAST RECORDS
// =============================================================================

// RecordStatus is a broadcast's lifecycle state.
type RecordStatus string

const (
	RecordRunning   RecordStatus = "running"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
	RecordCancelled RecordStatus = "cancelled"
)

// Record is the bookkeeping row for one broadcast. The table lives in
// memory and is bounded, so it answers "what is running now" rather than
// serving as history.
type Record struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	PaneIDs   []string     `json:"pane_ids"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	Status    RecordStatus `json:"status"`
}

// recordTable is the bounded in-memory broadcast ledger.
type recordTable struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newRecordTable() *recordTable {
	return &recordTable{
		records: make(map[string]*Record),
	}
}

// add inserts a running record, evicting the oldest entries when the table
// has grown past its cap.
func (t *recordTable) add(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ID] = rec

	if len(t.records) <= maxRecords {
		return
	}
	byAge := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		byAge = append(byAge, r)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].StartTime.Before(byAge[j].StartTime)
	})
	for _, r := range byAge[:trimCount] {
		delete(t.records, r.ID)
	}
}

// finish stamps a record's terminal status and end time. A record evicted
// mid-flight is a no-op.
func (t *recordTable) finish(id string, status RecordStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return
	}
	rec.Status = status
	rec.EndTime = time.Now()
}

// active counts records still running.
func (t *recordTable) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.Status == RecordRunning {
			n++
		}
	}
	return n
}

// total counts all retained records.
func (t *recordTable) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// snapshot returns copies of all records, newest first.
func (t *recordTable) snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		r := *rec
		r.PaneIDs = append([]string(nil), rec.PaneIDs...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}
