// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeranaias/chorus/internal/model"
)

// sessionKeyPrefix namespaces session keys so the database can be shared.
const sessionKeyPrefix = "chorus:session:"

// =============================================================================
// REDIS DRIVER
// =============================================================================

// redisStore persists sessions as JSON values with a sliding TTL: reads
// refresh the expiry so only abandoned sessions age out.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(cfg options) (*redisStore, error) {
	client := cfg.redisClient
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPass,
			DB:       cfg.redisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisStore{client: client, ttl: cfg.redisTTL}, nil
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Get implements Store.
func (r *redisStore) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	// Sliding expiry: touching a session keeps it alive.
	r.client.Expire(ctx, sessionKey(id), r.ttl)
	return &sess, nil
}

// GetOrCreate implements Store.
func (r *redisStore) GetOrCreate(ctx context.Context, id string) (*model.Session, error) {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = model.NewSession(id)
	if err := r.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update implements Store.
func (r *redisStore) Update(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	if err := r.client.Set(ctx, sessionKey(sess.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *redisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del failed: %w", err)
	}
	return n > 0, nil
}

// List implements Store.
func (r *redisStore) List(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*model.Session{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	sessions := make([]*model.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var sess model.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sortSessions(sessions)
	return paginate(sessions, limit, offset), nil
}

// Count implements Store.
func (r *redisStore) Count(ctx context.Context) (int, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close implements Store.
func (r *redisStore) Close() error {
	return r.client.Close()
}

func (r *redisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}
