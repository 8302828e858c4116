// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisTTL is how long an untouched session survives in Redis.
// Reads refresh the TTL, so only truly abandoned sessions expire.
const defaultRedisTTL = 24 * time.Hour

// options holds driver configuration assembled by Option funcs.
type options struct {
	redisClient *redis.Client
	redisAddr   string
	redisPass   string
	redisDB     int
	redisTTL    time.Duration
}

func defaultOptions() options {
	return options{
		redisAddr: "localhost:6379",
		redisTTL:  defaultRedisTTL,
	}
}

// Option configures store construction.
type Option func(*options)

// WithRedisClient supplies a pre-built Redis client. Takes precedence over
// WithRedisAddr.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithRedisAddr points the Redis driver at an address with credentials.
func WithRedisAddr(addr, password string, db int) Option {
	return func(o *options) {
		o.redisAddr = addr
		o.redisPass = password
		o.redisDB = db
	}
}

// WithRedisTTL overrides the session expiry window.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.redisTTL = ttl
		}
	}
}
