// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker implements the per-backend circuit breaker.
//
// # Description
//
// One Breaker guards calls to one backend kind. The breaker is Closed in
// normal operation, Opens after a configured number of consecutive
// failures, and after a cooldown allows exactly one trial call (HalfOpen)
// to decide whether to Close again or re-Open. There is no terminal state;
// the breaker cycles for the life of the process.
//
// # Thread Safety
//
// All state mutation is serialized by an internal mutex. Multiple pipeline
// supervisors share one breaker per backend kind.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker's position in its cycle.
type State int

const (
	// Closed passes calls through and counts failures.
	Closed State = iota

	// Open rejects calls without I/O until the reset timeout elapses.
	Open

	// HalfOpen admits a single trial call to probe the backend.
	HalfOpen
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the breaker is Open
// or a HalfOpen trial is already in flight.
type OpenError struct {
	// Name identifies the breaker (the backend kind name).
	Name string

	// RetryAfter is how long until the next trial call may be admitted.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is (or wraps) a breaker rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that Opens the
	// breaker. Zero means 5.
	FailureThreshold int

	// ResetTimeout is the Open cooldown before a HalfOpen trial is
	// admitted. Zero means 60s.
	ResetTimeout time.Duration

	// HalfOpenTimeout bounds a HalfOpen trial; if the trial has been in
	// flight longer than this, a new trial is admitted. Zero means 30s.
	HalfOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = 30 * time.Second
	}
	return c
}

// Snapshot is a point-in-time copy of breaker state for status endpoints.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure"`
	LastSuccess  time.Time `json:"last_success"`
}

// StateChangeFunc is invoked (outside the lock) on every state transition.
type StateChangeFunc func(name string, from, to State)

// Breaker is one circuit breaker. Create with New.
type Breaker struct {
	name          string
	cfg           Config
	onStateChange StateChangeFunc
	now           func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
	lastSuccess  time.Time
	trialStarted time.Time
	trialActive  bool
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithStateChange installs a transition callback (used to keep the
// breaker-state metric current).
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: Closed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting Open to HalfOpen if the reset
// timeout has elapsed (the promotion is otherwise lazy, happening on the
// next Execute).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailure,
		LastSuccess:  b.lastSuccess,
	}
}

// Execute runs fn under the breaker's protection.
//
// # Description
//
// If the breaker is Open and the reset timeout has not elapsed, Execute
// returns *OpenError without invoking fn. Once the timeout elapses the
// breaker moves to HalfOpen and admits exactly one trial call; concurrent
// callers during the trial are rejected with *OpenError. A successful call
// in any state resets the failure count and Closes the breaker; a failure
// increments the count and Opens the breaker when the threshold is reached
// (immediately, from HalfOpen).
//
// # Inputs
//
//   - ctx: Passed through to fn.
//   - fn: The protected call. Its error decides the outcome.
//
// # Outputs
//
//   - error: fn's error, or *OpenError if the call was rejected.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, handling the Open -> HalfOpen
// promotion and the single-trial guard.
func (b *Breaker) admit() error {
	b.mu.Lock()

	now := b.now()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil

	case Open:
		elapsed := now.Sub(b.lastFailure)
		if elapsed < b.cfg.ResetTimeout {
			retryAfter := b.cfg.ResetTimeout - elapsed
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: retryAfter}
		}
		b.transitionLocked(HalfOpen)
		b.trialActive = true
		b.trialStarted = now
		b.mu.Unlock()
		return nil

	case HalfOpen:
		if b.trialActive && now.Sub(b.trialStarted) < b.cfg.HalfOpenTimeout {
			b.mu.Unlock()
			return &OpenError{Name: b.name, RetryAfter: b.cfg.HalfOpenTimeout - now.Sub(b.trialStarted)}
		}
		// Either no trial is in flight or the previous trial overran its
		// timeout; admit a fresh one.
		b.trialActive = true
		b.trialStarted = now
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	b.lastSuccess = b.now()
	b.trialActive = false
	if b.state != Closed {
		b.transitionLocked(Closed)
	}
	b.mu.Unlock()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.now()
	b.trialActive = false
	switch b.state {
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	}
	b.mu.Unlock()
}

// transitionLocked records a state change and fires the callback on its
// own goroutine so it never runs under b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		go b.onStateChange(b.name, from, to)
	}
}
