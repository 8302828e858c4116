// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides session persistence behind a small interface.
//
// Two drivers exist: an in-memory map for single-process deployments and
// tests, and a Redis driver for deployments that want sessions to survive a
// restart or be shared between replicas. Both apply last-writer-wins full
// replacement on Update; cross-request read-modify-write windows are the
// orchestrator's responsibility.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/chorus/internal/model"
)

// ErrUnknownStoreType is returned by NewStore for an unrecognized driver.
var ErrUnknownStoreType = errors.New("unknown store type")

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the session persistence contract. A Get miss returns (nil, nil),
// not an error; callers that need existence distinguish on the nil session.
type Store interface {
	// Get returns the session or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*model.Session, error)

	// GetOrCreate returns the session, creating an empty one when absent.
	GetOrCreate(ctx context.Context, id string) (*model.Session, error)

	// Update replaces the stored session wholesale and bumps UpdatedAt.
	// Idempotent; the last writer wins.
	Update(ctx context.Context, sess *model.Session) error

	// Delete removes a session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns sessions ordered by UpdatedAt descending. A
	// non-positive limit means "the rest".
	List(ctx context.Context, limit, offset int) ([]*model.Session, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	// Close releases driver resources.
	Close() error
}

// =============================================================================
// FACTORY
// =============================================================================

// Type selects a store driver.
type Type string

const (
	// TypeMemory is the in-process map driver.
	TypeMemory Type = "memory"

	// TypeRedis is the Redis-backed driver.
	TypeRedis Type = "redis"
)

// NewStore builds a store of the given type with the supplied options.
func NewStore(t Type, opts ...Option) (Store, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	switch t {
	case TypeMemory:
		return newMemoryStore(), nil
	case TypeRedis:
		return newRedisStore(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStoreType, t)
	}
}
