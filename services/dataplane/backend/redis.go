// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig configures the cache adapter.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// MaxIdle and MaxActive bound the redigo pool.
	MaxIdle   int
	MaxActive int

	// IdleTimeout closes idle connections. Zero means 4 minutes.
	IdleTimeout time.Duration
}

// RedisAdapter connects the Cache kind to Redis via a redigo pool.
type RedisAdapter struct {
	cfg RedisConfig
}

// NewRedisAdapter creates the cache adapter.
func NewRedisAdapter(cfg RedisConfig) *RedisAdapter {
	return &RedisAdapter{cfg: cfg}
}

// Kind reports Cache.
func (a *RedisAdapter) Kind() Kind { return Cache }

// Connect builds a redigo pool and verifies it with a PING.
func (a *RedisAdapter) Connect(ctx context.Context) (any, error) {
	idleTimeout := a.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 4 * time.Minute
	}

	pool := &redis.Pool{
		MaxIdle:     a.cfg.MaxIdle,
		MaxActive:   a.cfg.MaxActive,
		IdleTimeout: idleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, a.cfg.URL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	if err := a.Ping(ctx, pool); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks out one connection and round-trips a PING.
func (a *RedisAdapter) Ping(ctx context.Context, session any) error {
	pool, ok := session.(*redis.Pool)
	if !ok {
		return fmt.Errorf("redis session has unexpected type %T", session)
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the pool.
func (a *RedisAdapter) Close(session any) error {
	if pool, ok := session.(*redis.Pool); ok {
		return pool.Close()
	}
	return nil
}
