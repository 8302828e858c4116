// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "sync"

// KeyedMutex hands out one mutex per key so independent entities can be
// mutated concurrently while same-key writers serialize. Components that
// share an entity space must share one KeyedMutex instance, or their
// critical sections will not exclude each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty lock map.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for key, creating it on first use. Callers lock
// and unlock the returned mutex themselves.
func (k *KeyedMutex) Get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Drop forgets the mutex for key. Holders of the old mutex finish
// normally; the next Get hands out a fresh one, so Drop is only safe once
// the keyed entity is gone and no new writers can race the stragglers.
func (k *KeyedMutex) Drop(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, key)
}

// Len reports how many keys currently hold a mutex.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
