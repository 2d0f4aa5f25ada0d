// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
)

type profile struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// keyCountUsage reports 100 bytes per key, so eviction tests can steer
// usage by key count (miniredis's INFO does not track real memory).
func keyCountUsage(ctx context.Context, conn redis.Conn) (int64, error) {
	n, err := redis.Int64(redis.DoContext(conn, ctx, "DBSIZE"))
	if err != nil {
		return 0, err
	}
	return n * 100, nil
}

func testCache(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })

	m := New(cfg, PoolConnFunc(pool), logging.Discard(), observability.NewForTest(),
		WithUsageFunc(keyCountUsage))
	return m, mr
}

func TestManager_SetGet(t *testing.T) {
	m, _ := testCache(t, Config{})
	ctx := context.Background()

	want := profile{Name: "ada", Score: 42}
	if err := m.Set(ctx, "user:1", want, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got profile
	if !m.Get(ctx, "user:1", &got) {
		t.Fatal("expected a hit")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestManager_GetMiss(t *testing.T) {
	m, _ := testCache(t, Config{})

	var got profile
	if m.Get(context.Background(), "absent", &got) {
		t.Error("expected a miss")
	}
}

func TestManager_KeyNamespaceAndTTL(t *testing.T) {
	m, mr := testCache(t, Config{DefaultTTL: 2 * time.Minute})
	ctx := context.Background()

	// Explicit TTL.
	if err := m.Set(ctx, "a", 1, 30*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("cache:a") {
		t.Fatal("expected key under cache: namespace")
	}
	if ttl := mr.TTL("cache:a"); ttl != 30*time.Second {
		t.Errorf("TTL = %s, want 30s", ttl)
	}

	// Zero TTL falls back to the default.
	if err := m.Set(ctx, "b", 1, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL("cache:b"); ttl != 2*time.Minute {
		t.Errorf("default TTL = %s, want 2m", ttl)
	}
}

func TestManager_EntryExpires(t *testing.T) {
	m, mr := testCache(t, Config{})
	ctx := context.Background()

	if err := m.Set(ctx, "ephemeral", "x", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)

	var got string
	if m.Get(ctx, "ephemeral", &got) {
		t.Error("expected expired entry to miss")
	}
}

func TestManager_Delete(t *testing.T) {
	m, mr := testCache(t, Config{})
	ctx := context.Background()

	_ = m.Set(ctx, "gone", "x", time.Minute)
	if err := m.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists("cache:gone") {
		t.Error("expected key removed")
	}
	// Deleting a missing key is not an error.
	if err := m.Delete(ctx, "gone"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestManager_InvalidatePattern(t *testing.T) {
	m, mr := testCache(t, Config{})
	ctx := context.Background()

	_ = m.Set(ctx, "user:1", "a", time.Minute, "users")
	_ = m.Set(ctx, "user:2", "b", time.Minute, "users")
	_ = m.Set(ctx, "order:1", "c", time.Minute, "orders")

	removed, err := m.InvalidatePattern(ctx, "users")
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if mr.Exists("cache:user:1") || mr.Exists("cache:user:2") {
		t.Error("tagged keys should be removed")
	}
	if !mr.Exists("cache:order:1") {
		t.Error("untagged key must survive")
	}
	if mr.Exists("pattern:users") {
		t.Error("pattern set should be dropped")
	}
}

func TestManager_InvalidatePattern_Empty(t *testing.T) {
	m, _ := testCache(t, Config{})

	removed, err := m.InvalidatePattern(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestManager_InvalidatePattern_ToleratesStaleMembers(t *testing.T) {
	m, mr := testCache(t, Config{})
	ctx := context.Background()

	_ = m.Set(ctx, "user:1", "a", time.Minute, "users")
	// The entry expires but its pattern-set member lingers.
	mr.FastForward(2 * time.Minute)

	removed, err := m.InvalidatePattern(ctx, "users")
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 (member was stale)", removed)
	}
	if mr.Exists("pattern:users") {
		t.Error("pattern set should still be dropped")
	}
}

func TestManager_Evict_TTLOrder(t *testing.T) {
	m, mr := testCache(t, Config{EvictSampleSize: 10})
	ctx := context.Background()

	_ = m.Set(ctx, "soon", "x", 10*time.Second)
	_ = m.Set(ctx, "later", "x", 10*time.Minute)
	_ = m.Set(ctx, "latest", "x", 10*time.Hour)

	// 3 keys = 300 usage bytes; target 200 forces exactly one delete.
	evicted, err := m.Evict(ctx, 200)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if mr.Exists("cache:soon") {
		t.Error("soonest-expiring key should go first")
	}
	if !mr.Exists("cache:later") || !mr.Exists("cache:latest") {
		t.Error("longer-lived keys must survive")
	}
}

func TestManager_Evict_NoTTLKeysGoLast(t *testing.T) {
	m, mr := testCache(t, Config{EvictSampleSize: 10})
	ctx := context.Background()

	_ = m.Set(ctx, "expiring", "x", time.Minute)
	// A pinned key without expiry, written outside the manager.
	mr.Set("cache:pinned", "x")

	evicted, err := m.Evict(ctx, 100)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if mr.Exists("cache:expiring") {
		t.Error("TTL'd key should evict before the pinned key")
	}
	if !mr.Exists("cache:pinned") {
		t.Error("pinned key must survive while others remain")
	}
}

func TestManager_Evict_UnderTarget(t *testing.T) {
	m, _ := testCache(t, Config{})
	ctx := context.Background()

	_ = m.Set(ctx, "a", "x", time.Minute)
	evicted, err := m.Evict(ctx, 1<<30)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if evicted != 0 {
		t.Errorf("evicted = %d, want 0 under target", evicted)
	}
}

func TestManager_Evict_TerminatesWhenSampleSpent(t *testing.T) {
	m, _ := testCache(t, Config{EvictSampleSize: 10})
	ctx := context.Background()

	_ = m.Set(ctx, "a", "x", time.Minute)
	_ = m.Set(ctx, "b", "x", time.Minute)

	// Target zero can never be reached (usage floor is 0 only with no
	// keys); the pass must still terminate after the sample.
	evicted, err := m.Evict(ctx, -1)
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
}

func TestManager_WarmUp(t *testing.T) {
	m, mr := testCache(t, Config{})
	ctx := context.Background()

	m.RegisterWarmer("top-scores", func(ctx context.Context) (any, time.Duration, error) {
		return []int{9, 8, 7}, time.Minute, nil
	}, "scores")
	m.RegisterWarmer("broken", func(ctx context.Context) (any, time.Duration, error) {
		return nil, 0, errors.New("source down")
	})

	warmed := m.WarmUp(ctx)
	if warmed != 1 {
		t.Errorf("warmed = %d, want 1", warmed)
	}

	var scores []int
	if !m.Get(ctx, "top-scores", &scores) {
		t.Fatal("expected warmed entry to hit")
	}
	if len(scores) != 3 {
		t.Errorf("scores = %v, want 3 entries", scores)
	}
	tagged, err := mr.SIsMember("pattern:scores", "cache:top-scores")
	if err != nil {
		t.Fatalf("SIsMember: %v", err)
	}
	if !tagged {
		t.Error("warmed entry should carry its pattern tag")
	}
}

func TestManager_Stats(t *testing.T) {
	m, _ := testCache(t, Config{})
	ctx := context.Background()

	_ = m.Set(ctx, "a", 1, time.Minute)
	var v int
	_ = m.Get(ctx, "a", &v)      // hit
	_ = m.Get(ctx, "absent", &v) // miss
	_ = m.Get(ctx, "a", &v)      // hit

	s, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("hit rate = %f, want ~0.667", s.HitRate)
	}
	if s.TrackedKeys != 1 {
		t.Errorf("tracked keys = %d, want 1", s.TrackedKeys)
	}
	if s.UsedMemory != 100 {
		t.Errorf("used memory = %d, want 100", s.UsedMemory)
	}
}

func TestManager_SweepLifecycle(t *testing.T) {
	// No ceiling: sweep is a no-op and Stop must not hang.
	m, _ := testCache(t, Config{})
	m.StartSweep()
	m.StopSweep()

	// With a ceiling: loop starts and stops cleanly.
	m2, _ := testCache(t, Config{MaxMemoryBytes: 1 << 20, SweepInterval: 10 * time.Millisecond})
	m2.StartSweep()
	time.Sleep(30 * time.Millisecond)
	m2.StopSweep()
}

func TestManager_BestEffortWhenBackendDown(t *testing.T) {
	conn := func(ctx context.Context) (redis.Conn, error) {
		return nil, errors.New("cache down")
	}
	m := New(Config{}, conn, logging.Discard(), observability.NewForTest())
	ctx := context.Background()

	// Writes are dropped silently; reads miss. The caller's primary
	// operation is never failed by the cache.
	if err := m.Set(ctx, "a", 1, time.Minute); err != nil {
		t.Errorf("Set with backend down must be a no-op, got %v", err)
	}
	var v int
	if m.Get(ctx, "a", &v) {
		t.Error("Get with backend down must miss")
	}
}

func TestManager_SetUnencodableValue(t *testing.T) {
	m, _ := testCache(t, Config{})

	// A channel cannot be JSON-encoded; that is a caller bug and the one
	// Set failure that is surfaced.
	if err := m.Set(context.Background(), "bad", make(chan int), time.Minute); err == nil {
		t.Error("expected error for unencodable value")
	}
}

func TestManager_GetCorruptEntryMisses(t *testing.T) {
	m, mr := testCache(t, Config{})

	mr.Set("cache:corrupt", "{not json")
	var v profile
	if m.Get(context.Background(), "corrupt", &v) {
		t.Error("corrupt entry must read as a miss")
	}
}
