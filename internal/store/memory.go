// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/chorus/internal/model"
)

// =============================================================================
// MEMORY DRIVER
// =============================================================================

// memoryStore keeps sessions in a map guarded by a RWMutex. All reads and
// writes deep-copy so callers never alias store-held state.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*model.Session),
	}
}

// Get implements Store.
func (m *memoryStore) Get(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// GetOrCreate implements Store.
func (m *memoryStore) GetOrCreate(ctx context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		return sess.Clone(), nil
	}
	sess := model.NewSession(id)
	m.sessions[sess.ID] = sess.Clone()
	return sess, nil
}

// Update implements Store.
func (m *memoryStore) Update(ctx context.Context, sess *model.Session) error {
	stored := sess.Clone()
	stored.UpdatedAt = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[stored.ID] = stored
	return nil
}

// Delete implements Store.
func (m *memoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

// List implements Store.
func (m *memoryStore) List(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	m.mu.RLock()
	all := make([]*model.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess.Clone())
	}
	m.mu.RUnlock()

	sortSessions(all)
	return paginate(all, limit, offset), nil
}

// Count implements Store.
func (m *memoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// Close implements Store.
func (m *memoryStore) Close() error {
	return nil
}

// sortSessions orders most recently updated first.
func sortSessions(sessions []*model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

// paginate applies offset and limit to a sorted slice.
func paginate(sessions []*model.Session, limit, offset int) []*model.Session {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(sessions) {
		return []*model.Session{}
	}
	rest := sessions[offset:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	return rest
}
