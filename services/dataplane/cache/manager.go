// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the pattern-invalidated cache manager.
//
// # Description
//
// Values live in the cache backend under "cache:{key}" with a per-entry
// TTL, JSON-encoded. On write, a key may be tagged with named patterns;
// each pattern is a Redis set "pattern:{name}" holding the tagged cache
// keys, so invalidating a pattern is one SMEMBERS plus one DEL — no
// keyspace scan. When memory crosses the configured ceiling, the eviction
// policy samples cache keys and removes them in TTL order (soonest to
// expire first, keys without a TTL last), rechecking usage after every
// delete so it removes no more than needed.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Hit/miss counters are atomic;
// Redis operations rely on connection checkout per call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
)

const (
	keyPrefix     = "cache:"
	patternPrefix = "pattern:"
)

// ConnFunc checks out one cache connection; the manager closes it after
// each operation.
type ConnFunc func(ctx context.Context) (redis.Conn, error)

// PoolConnFunc adapts a redigo pool directly, for tests and standalone use.
func PoolConnFunc(p *redis.Pool) ConnFunc {
	return func(ctx context.Context) (redis.Conn, error) {
		return p.GetContext(ctx)
	}
}

// UsageFunc reports the cache backend's current memory usage in bytes.
type UsageFunc func(ctx context.Context, conn redis.Conn) (int64, error)

// InfoUsage is the default UsageFunc: it parses used_memory out of
// INFO memory.
func InfoUsage(ctx context.Context, conn redis.Conn) (int64, error) {
	raw, err := redis.String(redis.DoContext(conn, ctx, "INFO", "memory"))
	if err != nil {
		return 0, fmt.Errorf("info memory: %w", err)
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse used_memory %q: %w", v, err)
			}
			return used, nil
		}
	}
	return 0, nil
}

// LoaderFunc computes one warm-up entry's value.
type LoaderFunc func(ctx context.Context) (value any, ttl time.Duration, err error)

// warmEntry is one registered warm-up loader.
type warmEntry struct {
	key      string
	patterns []string
	load     LoaderFunc
}

// Config tunes the Manager.
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL. Zero means 5m.
	DefaultTTL time.Duration

	// MaxMemoryBytes is the usage ceiling that triggers eviction from the
	// sweep loop. Zero disables sweep-driven eviction.
	MaxMemoryBytes int64

	// EvictSampleSize is how many cache keys one eviction pass examines.
	// Zero means 100.
	EvictSampleSize int

	// SweepInterval is the background usage-check cadence. Zero means 60s.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.EvictSampleSize <= 0 {
		c.EvictSampleSize = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	return c
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	UsedMemory  int64   `json:"used_memory_bytes"`
	TrackedKeys int64   `json:"tracked_keys"`
}

// Manager is the cache manager. Create with New.
type Manager struct {
	cfg     Config
	conn    ConnFunc
	usage   UsageFunc
	logger  *logging.Logger
	metrics *observability.Metrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	warmMu  sync.Mutex
	warmers []warmEntry

	loopOnce sync.Once
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithUsageFunc overrides how memory usage is measured.
func WithUsageFunc(fn UsageFunc) Option {
	return func(m *Manager) { m.usage = fn }
}

// New creates a cache Manager.
func New(cfg Config, conn ConnFunc, logger *logging.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		usage:   InfoUsage,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set stores a JSON-encoded value under key with the given TTL, tagging it
// with the named patterns. A zero TTL uses the configured default.
//
// Backing-store failures are logged and swallowed: the cache is best
// effort and a broken cache must never fail the caller's primary write.
// Only an unencodable value (a caller bug) returns an error.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, patterns ...string) error {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for %q: %w", key, err)
	}

	conn, err := m.conn(ctx)
	if err != nil {
		m.dropWrite(key, err)
		return nil
	}
	defer conn.Close()

	cacheKey := keyPrefix + key
	if _, err := redis.DoContext(conn, ctx, "SET", cacheKey, payload, "PX", ttl.Milliseconds()); err != nil {
		m.dropWrite(key, err)
		return nil
	}
	for _, p := range patterns {
		if _, err := redis.DoContext(conn, ctx, "SADD", patternPrefix+p, cacheKey); err != nil {
			m.dropWrite(key, err)
			return nil
		}
	}
	return nil
}

func (m *Manager) dropWrite(key string, cause error) {
	m.metrics.CacheOpsTotal.WithLabelValues("error").Inc()
	m.logger.Warn("cache: write dropped", "key", key, "error", cause)
}

// Get loads a value into dest.
//
// Backing-store and decode failures are logged and reported as a miss;
// callers fall through to the primary store either way.
//
// # Outputs
//
//   - bool: true on a hit (dest is populated), false on a miss.
func (m *Manager) Get(ctx context.Context, key string, dest any) bool {
	conn, err := m.conn(ctx)
	if err != nil {
		m.missOnError(key, err)
		return false
	}
	defer conn.Close()

	payload, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", keyPrefix+key))
	if err == redis.ErrNil {
		m.misses.Add(1)
		m.metrics.CacheOpsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		m.missOnError(key, err)
		return false
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		m.missOnError(key, err)
		return false
	}
	m.hits.Add(1)
	m.metrics.CacheOpsTotal.WithLabelValues("hit").Inc()
	return true
}

func (m *Manager) missOnError(key string, cause error) {
	m.misses.Add(1)
	m.metrics.CacheOpsTotal.WithLabelValues("error").Inc()
	m.logger.Warn("cache: read failed, treating as miss", "key", key, "error", cause)
}

// Delete removes one key. Stale references in pattern sets are tolerated:
// invalidation DELs members that may already be gone.
func (m *Manager) Delete(ctx context.Context, key string) error {
	conn, err := m.conn(ctx)
	if err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", keyPrefix+key); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// InvalidatePattern removes every key tagged with the named pattern, then
// the pattern set itself.
//
// # Outputs
//
//   - int: Number of cache keys removed.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	conn, err := m.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("invalidate pattern %q: %w", pattern, err)
	}
	defer conn.Close()

	setKey := patternPrefix + pattern
	members, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", setKey))
	if err != nil {
		return 0, fmt.Errorf("invalidate pattern %q: %w", pattern, err)
	}

	removed := 0
	if len(members) > 0 {
		args := make([]any, 0, len(members))
		for _, k := range members {
			args = append(args, k)
		}
		n, err := redis.Int(redis.DoContext(conn, ctx, "DEL", args...))
		if err != nil {
			return 0, fmt.Errorf("invalidate pattern %q: %w", pattern, err)
		}
		removed = n
	}
	if _, err := redis.DoContext(conn, ctx, "DEL", setKey); err != nil {
		return removed, fmt.Errorf("drop pattern set %q: %w", pattern, err)
	}

	m.logger.Info("cache: pattern invalidated", "pattern", pattern, "removed", removed)
	return removed, nil
}

// Evict removes cache entries until usage drops to target bytes.
//
// # Description
//
// Samples up to EvictSampleSize cache keys, ranks them by TTL ascending
// (keys without a TTL sort last: they are presumed deliberate pins), and
// deletes one at a time, rechecking usage after each delete. Stops when
// usage reaches the target or the sample is spent; a persistent overshoot
// is retried on the next sweep rather than looping forever.
//
// # Outputs
//
//   - int: Number of entries evicted.
func (m *Manager) Evict(ctx context.Context, target int64) (int, error) {
	conn, err := m.conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("evict: %w", err)
	}
	defer conn.Close()

	used, err := m.usage(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("evict: %w", err)
	}
	if used <= target {
		return 0, nil
	}

	candidates, err := m.sampleKeys(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("evict: %w", err)
	}
	// TTL ascending; -1 (no expiry) ranks last.
	sort.Slice(candidates, func(i, j int) bool {
		return evictRank(candidates[i].ttl) < evictRank(candidates[j].ttl)
	})

	evicted := 0
	for _, c := range candidates {
		if _, err := redis.DoContext(conn, ctx, "DEL", c.key); err != nil {
			return evicted, fmt.Errorf("evict %q: %w", c.key, err)
		}
		evicted++
		m.evictions.Add(1)
		m.metrics.CacheEvictionsTotal.Inc()

		used, err = m.usage(ctx, conn)
		if err != nil {
			return evicted, fmt.Errorf("evict: %w", err)
		}
		if used <= target {
			break
		}
	}

	m.logger.Info("cache: eviction pass complete",
		"evicted", evicted, "used_bytes", used, "target_bytes", target)
	return evicted, nil
}

type candidate struct {
	key string
	ttl time.Duration
}

// sampleKeys scans up to EvictSampleSize cache keys with their TTLs.
func (m *Manager) sampleKeys(ctx context.Context, conn redis.Conn) ([]candidate, error) {
	var out []candidate
	cursor := 0
	for {
		reply, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor,
			"MATCH", keyPrefix+"*", "COUNT", m.cfg.EvictSampleSize))
		if err != nil {
			return nil, err
		}
		var keys []string
		if _, err := redis.Scan(reply, &cursor, &keys); err != nil {
			return nil, err
		}
		for _, k := range keys {
			ms, err := redis.Int64(redis.DoContext(conn, ctx, "PTTL", k))
			if err != nil {
				return nil, err
			}
			if ms == -2 {
				continue // expired between SCAN and PTTL
			}
			out = append(out, candidate{key: k, ttl: time.Duration(ms) * time.Millisecond})
		}
		if cursor == 0 || len(out) >= m.cfg.EvictSampleSize {
			break
		}
	}
	return out, nil
}

// evictRank orders candidates: no-TTL keys (-1ms) evict last.
func evictRank(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return time.Duration(1<<63 - 1)
	}
	return ttl
}

// RegisterWarmer registers a named warm-up loader run by WarmUp.
func (m *Manager) RegisterWarmer(key string, load LoaderFunc, patterns ...string) {
	m.warmMu.Lock()
	m.warmers = append(m.warmers, warmEntry{key: key, patterns: patterns, load: load})
	m.warmMu.Unlock()
}

// WarmUp runs every registered loader and stores its value. Loader
// failures are logged and skipped; warm-up is best effort.
//
// # Outputs
//
//   - int: Number of entries successfully warmed.
func (m *Manager) WarmUp(ctx context.Context) int {
	m.warmMu.Lock()
	warmers := append([]warmEntry(nil), m.warmers...)
	m.warmMu.Unlock()

	warmed := 0
	for _, w := range warmers {
		value, ttl, err := w.load(ctx)
		if err != nil {
			m.logger.Warn("cache: warm-up loader failed", "key", w.key, "error", err)
			continue
		}
		if err := m.Set(ctx, w.key, value, ttl, w.patterns...); err != nil {
			m.logger.Warn("cache: warm-up store failed", "key", w.key, "error", err)
			continue
		}
		warmed++
	}
	m.logger.Info("cache: warm-up complete", "warmed", warmed, "registered", len(warmers))
	return warmed
}

// Stats reports hit/miss counters and current backend usage.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	conn, err := m.conn(ctx)
	if err != nil {
		return s, fmt.Errorf("cache stats: %w", err)
	}
	defer conn.Close()

	used, err := m.usage(ctx, conn)
	if err != nil {
		return s, fmt.Errorf("cache stats: %w", err)
	}
	s.UsedMemory = used

	n, err := redis.Int64(redis.DoContext(conn, ctx, "DBSIZE"))
	if err != nil {
		return s, fmt.Errorf("cache stats: %w", err)
	}
	s.TrackedKeys = n
	return s, nil
}

// StartSweep launches the background usage sweeper; no-op unless a memory
// ceiling is configured. Stop it with StopSweep.
func (m *Manager) StartSweep() {
	m.loopOnce.Do(func() {
		if m.cfg.MaxMemoryBytes <= 0 {
			close(m.doneCh)
			return
		}
		m.running.Store(true)
		go m.sweepLoop()
	})
}

// StopSweep stops the background sweeper. Safe to call even if the
// sweeper never started.
func (m *Manager) StopSweep() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)
	if m.running.Load() {
		<-m.doneCh
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("cache: sweep loop started",
		"interval", m.cfg.SweepInterval, "max_memory_bytes", m.cfg.MaxMemoryBytes)
	for {
		select {
		case <-m.stopCh:
			m.logger.Info("cache: sweep loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.Evict(ctx, m.cfg.MaxMemoryBytes); err != nil {
				m.logger.Warn("cache: sweep eviction failed", "error", err)
			}
			cancel()
		}
	}
}

