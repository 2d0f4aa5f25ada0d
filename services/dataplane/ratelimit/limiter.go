// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements a fixed-window rate limiter backed by the
// cache backend.
//
// # Description
//
// Each (subject, window) pair gets one Redis counter under the key
// "ratelimit:{subject}:{windowIndex}", where windowIndex is wall time
// divided by the tier's window length. The counter is checked,
// incremented, and expired in a single Lua script, so concurrent callers
// across process replicas never over-admit, and a rejected request never
// inflates the count. Limits come from named tiers; unknown tier
// names fall back to the default tier.
//
// The limiter FAILS OPEN: if the cache backend is unreachable the request
// is admitted and the decision is recorded in metrics, on the theory that
// a broken limiter must not take the data plane down with it.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Tier replacement (hot reload)
// takes a write lock; decisions take a read lock.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
)

// DefaultTierName is the fallback tier for unknown tier names.
const DefaultTierName = "default"

// Tier is one named limit class.
type Tier struct {
	// Name identifies the tier ("default", "high_frequency", ...).
	Name string

	// Limit is the number of requests admitted per window.
	Limit int

	// Window is the fixed window length.
	Window time.Duration
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: DefaultTierName, Limit: 100, Window: time.Minute},
		{Name: "high_frequency", Limit: 1000, Window: time.Minute},
		{Name: "low_frequency", Limit: 10, Window: time.Minute},
	}
}

// Result is one admission decision.
type Result struct {
	// Allowed reports whether the request is admitted.
	Allowed bool

	// CurrentCount is the counter value after this request, within the
	// current window. Zero when the limiter failed open.
	CurrentCount int

	// Limit is the tier's per-window ceiling.
	Limit int

	// ResetAfter is how long until the current window rolls over.
	ResetAfter time.Duration

	// ResetAt is the absolute end of the current window.
	ResetAt time.Time

	// FailedOpen reports that the cache backend was unreachable and the
	// request was admitted without counting.
	FailedOpen bool
}

// ConnFunc checks out one cache connection. The limiter closes it after
// each decision. Wiring adapts the pool manager's cache handle to this.
type ConnFunc func(ctx context.Context) (redis.Conn, error)

// PoolConnFunc adapts a redigo pool directly, for tests and standalone use.
func PoolConnFunc(p *redis.Pool) ConnFunc {
	return func(ctx context.Context) (redis.Conn, error) {
		return p.GetContext(ctx)
	}
}

// checkScript reads, checks, and counts in one atomic step. A request at
// or past the limit is rejected WITHOUT incrementing, so the counter never
// exceeds the limit. KEYS[1] = window counter key, ARGV[1] = window
// seconds, ARGV[2] = limit. Returns {count, allowed(0|1)}.
var checkScript = redis.NewScript(1, `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[2]) then
    return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return {current, 1}
`)

// Limiter is the fixed-window rate limiter. Create with New.
type Limiter struct {
	conn    ConnFunc
	logger  *logging.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	tiers map[string]Tier
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over the given tier table. A tier named "default"
// must be present; if missing, the built-in default is added.
func New(conn ConnFunc, tiers []Tier, logger *logging.Logger, metrics *observability.Metrics, opts ...Option) *Limiter {
	l := &Limiter{
		conn:    conn,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		tiers:   make(map[string]Tier, len(tiers)),
	}
	for _, t := range tiers {
		l.tiers[t.Name] = t
	}
	if _, ok := l.tiers[DefaultTierName]; !ok {
		l.tiers[DefaultTierName] = DefaultTiers()[0]
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetTiers replaces the tier table, preserving the default-tier guarantee.
// Used by config hot reload.
func (l *Limiter) SetTiers(tiers []Tier) {
	next := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		next[t.Name] = t
	}
	if _, ok := next[DefaultTierName]; !ok {
		next[DefaultTierName] = DefaultTiers()[0]
	}

	l.mu.Lock()
	l.tiers = next
	l.mu.Unlock()
	l.logger.Info("ratelimit: tiers replaced", "count", len(next))
}

// Tier resolves a tier name, falling back to the default tier.
func (l *Limiter) Tier(name string) Tier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.tiers[name]; ok {
		return t
	}
	return l.tiers[DefaultTierName]
}

// key builds the counter key for a subject in the current window.
func key(subject string, windowIndex int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", subject, windowIndex)
}

// Allow decides one request.
//
// # Description
//
// Counts the request against the subject's window counter and compares
// against the tier limit. The count-and-expire runs as one Lua script, so
// two replicas deciding the same subject concurrently still converge on
// the true count. Cache errors admit the request (fail open).
//
// # Inputs
//
//   - ctx: Bounds the cache round trip.
//   - subject: What is being limited (client ID, route, pipeline ID).
//   - tierName: Tier to apply; unknown names use the default tier.
func (l *Limiter) Allow(ctx context.Context, subject, tierName string) Result {
	tier := l.Tier(tierName)
	windowSecs := int64(tier.Window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}

	now := l.now().Unix()
	windowIndex := now / windowSecs
	resetAfter := time.Duration(windowSecs-now%windowSecs) * time.Second

	conn, err := l.conn(ctx)
	if err != nil {
		return l.failOpen(tier, resetAfter, err)
	}
	defer conn.Close()

	reply, err := redis.Int64s(checkScript.DoContext(ctx, conn, key(subject, windowIndex), windowSecs, tier.Limit))
	if err != nil || len(reply) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply length %d", len(reply))
		}
		return l.failOpen(tier, resetAfter, err)
	}

	res := Result{
		Allowed:      reply[1] == 1,
		CurrentCount: int(reply[0]),
		Limit:        tier.Limit,
		ResetAfter:   resetAfter,
		ResetAt:      time.Unix((windowIndex+1)*windowSecs, 0),
	}
	if res.Allowed {
		l.metrics.RateLimitTotal.WithLabelValues(tier.Name, "allowed").Inc()
	} else {
		l.metrics.RateLimitTotal.WithLabelValues(tier.Name, "rejected").Inc()
		l.logger.Debug("ratelimit: rejected",
			"subject", subject, "tier", tier.Name, "count", res.CurrentCount, "limit", tier.Limit)
	}
	return res
}

// failOpen admits a request the limiter could not count.
func (l *Limiter) failOpen(tier Tier, resetAfter time.Duration, cause error) Result {
	l.metrics.RateLimitTotal.WithLabelValues(tier.Name, "failopen").Inc()
	l.logger.Warn("ratelimit: cache unreachable, failing open", "tier", tier.Name, "error", cause)
	return Result{
		Allowed:    true,
		Limit:      tier.Limit,
		ResetAfter: resetAfter,
		FailedOpen: true,
	}
}

// Reset clears a subject's counter in the current window, for operator
// use. Counters in past windows expire on their own.
func (l *Limiter) Reset(ctx context.Context, subject, tierName string) error {
	tier := l.Tier(tierName)
	windowSecs := int64(tier.Window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}
	windowIndex := l.now().Unix() / windowSecs

	conn, err := l.conn(ctx)
	if err != nil {
		return fmt.Errorf("reset %s: %w", subject, err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", key(subject, windowIndex)); err != nil {
		return fmt.Errorf("reset %s: %w", subject, err)
	}
	l.logger.Info("ratelimit: counter reset", "subject", subject, "tier", tier.Name)
	return nil
}
