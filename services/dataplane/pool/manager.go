// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool implements the connection pool manager for all five backend
// kinds.
//
// # Description
//
// One generic Manager owns one session per backend kind, created through a
// per-kind backend.Adapter (connect/ping/close). Initialization retries
// with exponential backoff; a background loop pings live sessions and drops
// the ones that fail so the next Acquire recreates them lazily. Every
// Acquire routes through that kind's circuit breaker, so an unhealthy
// backend short-circuits without I/O. Exhausted initialization and dropped
// sessions are reported to the recovery manager for out-of-band healing.
//
// # Concurrency
//
// Handle replacement is an atomic pointer swap: the health loop and
// foreground acquires may race on it, but an in-flight Acquire never
// observes a half-closed handle — it either gets the old session (closed
// only after the swap) or triggers a fresh connect.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/backend"
	"github.com/AleutianAI/dataplane/services/dataplane/breaker"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// FailureReporter receives unrecoverable local failures. Implemented by
// recovery.Manager; the indirection keeps the pool testable without one.
type FailureReporter interface {
	ReportFailure(ctx context.Context, operation string, cause error, rc recovery.ProcedureContext) bool
}

// RetryConfig tunes initialization backoff per backend kind.
type RetryConfig struct {
	// InitialDelay is the first backoff interval. Zero means 1s.
	InitialDelay time.Duration

	// Multiplier grows the interval between attempts. Zero means 2.0.
	Multiplier float64

	// MaxDelay caps the interval. Zero means 30s.
	MaxDelay time.Duration

	// MaxAttempts is the attempt ceiling. Zero means 5.
	MaxAttempts int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Config tunes the Manager.
type Config struct {
	// AcquireTimeout bounds one Acquire call, including a lazy connect.
	// Zero means 10s.
	AcquireTimeout time.Duration

	// HealthInterval is the background ping cadence. Zero means 30s.
	HealthInterval time.Duration

	// PingTimeout bounds one background ping. Zero means 5s.
	PingTimeout time.Duration

	// Retry tunes initialization backoff.
	Retry RetryConfig

	// Breaker tunes the per-kind circuit breakers.
	Breaker breaker.Config
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// entry is the pool's per-kind state. The live handle is swapped, never
// mutated in place.
type entry struct {
	adapter backend.Adapter
	handle  atomic.Pointer[backend.Handle]

	// connectMu serializes lazy connects so a burst of acquires against a
	// missing handle dials once.
	connectMu sync.Mutex

	unavailable atomic.Bool
}

// HealthReport is the per-kind result of CheckHealth.
type HealthReport struct {
	Status    string    `json:"status"` // healthy, unhealthy, disconnected
	LatencyMs float64   `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Manager owns one session per backend kind. Create with New.
type Manager struct {
	cfg      Config
	logger   *logging.Logger
	metrics  *observability.Metrics
	entries  map[backend.Kind]*entry
	breakers map[backend.Kind]*breaker.Breaker
	reporter FailureReporter

	loopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFailureReporter wires the recovery manager in.
func WithFailureReporter(r FailureReporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// New creates a Manager over the given adapters.
//
// # Inputs
//
//   - cfg: Pool configuration; zero values take documented defaults.
//   - adapters: One adapter per backend kind the process should manage.
//     Kinds without an adapter are simply absent from the pool.
//   - logger: Structured logger.
//   - metrics: Shared metrics instance.
func New(cfg Config, adapters []backend.Adapter, logger *logging.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		entries:  make(map[backend.Kind]*entry, len(adapters)),
		breakers: make(map[backend.Kind]*breaker.Breaker, len(adapters)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, a := range adapters {
		kind := a.Kind()
		m.entries[kind] = &entry{adapter: a}
		m.breakers[kind] = breaker.New(kind.String(), m.cfg.Breaker,
			breaker.WithStateChange(m.onBreakerChange))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) onBreakerChange(name string, from, to breaker.State) {
	m.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	m.logger.Warn("pool.breaker: state change", "kind", name, "from", from.String(), "to", to.String())
}

// Kinds returns the backend kinds this manager owns, for health endpoints
// and recovery registration.
func (m *Manager) Kinds() []backend.Kind {
	kinds := make([]backend.Kind, 0, len(m.entries))
	for _, k := range backend.Kinds {
		if _, ok := m.entries[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Breaker returns the circuit breaker for a kind (nil if unmanaged).
func (m *Manager) Breaker(kind backend.Kind) *breaker.Breaker {
	return m.breakers[kind]
}

// InitAll eagerly initializes every managed backend in parallel.
//
// # Description
//
// Each kind is dialed with exponential backoff up to the configured
// attempt ceiling. A kind that exhausts its attempts is marked unavailable
// and reported to the recovery manager; InitAll returns the first such
// error but still attempts every kind, so one dead backend does not block
// the others.
func (m *Manager) InitAll(ctx context.Context) error {
	// A plain group, not WithContext: one exhausted backend must not cancel
	// its siblings' initialization.
	var g errgroup.Group
	for kind := range m.entries {
		g.Go(func() error {
			return m.initKind(ctx, kind)
		})
	}
	return g.Wait()
}

// initKind dials one backend with backoff and installs the handle.
func (m *Manager) initKind(ctx context.Context, kind backend.Kind) error {
	ent := m.entries[kind]

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.Retry.InitialDelay
	bo.Multiplier = m.cfg.Retry.Multiplier
	bo.MaxInterval = m.cfg.Retry.MaxDelay
	bo.MaxElapsedTime = 0 // the attempt ceiling bounds us, not wall time

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		session, connErr := ent.adapter.Connect(ctx)
		if connErr != nil {
			m.logger.Warn("pool: connect attempt failed",
				"kind", kind.String(), "attempt", attempt, "error", connErr)
			return connErr
		}
		m.installHandle(ent, kind, session)
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.cfg.Retry.MaxAttempts-1)), ctx))

	if err != nil {
		ent.unavailable.Store(true)
		m.logger.Error("pool: backend initialization exhausted",
			"kind", kind.String(), "attempts", attempt, "error", err)
		m.report(ctx, kind, err)
		return &UnavailableError{Kind: kind, Err: err}
	}

	ent.unavailable.Store(false)
	m.logger.Info("pool: backend initialized", "kind", kind.String(), "attempts", attempt)
	return nil
}

// installHandle swaps a fresh handle in and closes any previous session.
func (m *Manager) installHandle(ent *entry, kind backend.Kind, session any) {
	now := time.Now()
	h := &backend.Handle{
		Kind:            kind,
		Session:         session,
		ConnectedAt:     now,
		LastHealthCheck: now,
	}
	if old := ent.handle.Swap(h); old != nil {
		_ = ent.adapter.Close(old.Session)
	} else {
		m.metrics.BackendConnections.WithLabelValues(kind.String()).Inc()
	}
}

// dropHandle removes the live handle (if it is still the given one) and
// closes its session. The next Acquire reconnects lazily.
func (m *Manager) dropHandle(ent *entry, kind backend.Kind, h *backend.Handle) {
	if ent.handle.CompareAndSwap(h, nil) {
		_ = ent.adapter.Close(h.Session)
		m.metrics.BackendConnections.WithLabelValues(kind.String()).Dec()
	}
}

// Acquire checks out a healthy handle for one logical operation.
//
// # Description
//
// Routes through the kind's circuit breaker: when the breaker is Open the
// call fails immediately with *breaker.OpenError and no I/O. Otherwise the
// live handle is returned, dialing lazily if the health loop dropped it.
// The checkout is bounded by the configured acquire timeout; expiry is
// surfaced as ErrExhausted. Callers must pair every successful Acquire
// with Release on all exit paths.
//
// # Outputs
//
//   - *backend.Handle: A live handle. Do not retain past Release.
//   - error: *breaker.OpenError, *UnavailableError, or an ErrExhausted wrap.
func (m *Manager) Acquire(ctx context.Context, kind backend.Kind) (*backend.Handle, error) {
	ent, ok := m.entries[kind]
	if !ok {
		return nil, fmt.Errorf("backend kind %s is not managed", kind)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	var handle *backend.Handle
	err := m.breakers[kind].Execute(ctx, func(ctx context.Context) error {
		h, acqErr := m.ensureHandle(ctx, ent, kind)
		if acqErr != nil {
			return acqErr
		}
		handle = h
		return nil
	})
	if err != nil {
		status := "unavailable"
		if breaker.IsOpen(err) {
			status = "circuit_open"
		}
		m.metrics.AcquireTotal.WithLabelValues(kind.String(), status).Inc()
		if ctx.Err() != nil && !breaker.IsOpen(err) {
			return nil, fmt.Errorf("%w: acquire %s: %v", ErrExhausted, kind, err)
		}
		return nil, err
	}

	m.metrics.AcquireTotal.WithLabelValues(kind.String(), "ok").Inc()
	m.metrics.AcquireLatencySeconds.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	return handle, nil
}

// Release returns a handle after one logical operation. The session itself
// stays pooled; Release exists so checkouts are scoped and observable.
func (m *Manager) Release(h *backend.Handle) {
	if h == nil {
		return
	}
	// Sessions are native client pools that manage their own checkin; the
	// pool only tracks the checkout for observability.
}

// ensureHandle returns the live handle, dialing one if absent.
func (m *Manager) ensureHandle(ctx context.Context, ent *entry, kind backend.Kind) (*backend.Handle, error) {
	if h := ent.handle.Load(); h != nil {
		return h, nil
	}

	ent.connectMu.Lock()
	defer ent.connectMu.Unlock()
	if h := ent.handle.Load(); h != nil {
		return h, nil
	}

	session, err := ent.adapter.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("lazy connect %s: %w", kind, err)
	}
	m.installHandle(ent, kind, session)
	ent.unavailable.Store(false)
	m.logger.Info("pool: backend reconnected", "kind", kind.String())
	return ent.handle.Load(), nil
}

// Reinit closes a kind's session and dials it again with full backoff.
// Used by the connection recovery procedures.
func (m *Manager) Reinit(ctx context.Context, kind backend.Kind) error {
	ent, ok := m.entries[kind]
	if !ok {
		return fmt.Errorf("backend kind %s is not managed", kind)
	}
	if h := ent.handle.Load(); h != nil {
		m.dropHandle(ent, kind, h)
	}
	return m.initKind(ctx, kind)
}

// Ping round-trips a kind's live session once, for recovery verification.
func (m *Manager) Ping(ctx context.Context, kind backend.Kind) error {
	ent, ok := m.entries[kind]
	if !ok {
		return fmt.Errorf("backend kind %s is not managed", kind)
	}
	h := ent.handle.Load()
	if h == nil {
		return &UnavailableError{Kind: kind, Err: fmt.Errorf("no live session")}
	}
	return ent.adapter.Ping(ctx, h.Session)
}

// Shutdown stops the health loop and closes every live session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopLoop()

	var firstErr error
	for kind, ent := range m.entries {
		if h := ent.handle.Swap(nil); h != nil {
			if err := ent.adapter.Close(h.Session); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", kind, err)
			}
			m.metrics.BackendConnections.WithLabelValues(kind.String()).Dec()
		}
	}
	m.logger.Info("pool: shutdown complete")
	return firstErr
}

// report forwards an unrecoverable failure to the recovery manager.
func (m *Manager) report(ctx context.Context, kind backend.Kind, cause error) {
	if m.reporter == nil {
		return
	}
	op := recovery.ConnectionOperation(kind.String())
	m.reporter.ReportFailure(ctx, op, cause, recovery.ConnectionContext{
		Kind:  kind.String(),
		Cause: cause,
	})
}
