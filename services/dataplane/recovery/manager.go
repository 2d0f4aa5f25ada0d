// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package recovery implements named, single-flight recovery procedures.
//
// # Description
//
// Components report unrecoverable local failures to one shared Manager
// under an operation name ("relational-connection", "pipeline", ...). The
// Manager looks up the registered procedure for that name and runs it at
// most once at a time per operation: a report that arrives while a
// procedure is already in flight is skipped, not queued. Each operation
// carries a failure counter; once it exceeds the retry ceiling, further
// reports are rejected without running the procedure, and the counter only
// resets on a successful recovery.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Procedure bodies run outside
// the Manager's lock, so a slow recovery never blocks reports for other
// operations.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
)

// ConnectionOperation returns the operation name for a backend kind's
// connection recovery ("relational-connection", "cache-connection", ...).
func ConnectionOperation(kind string) string {
	return kind + "-connection"
}

// PipelineOperation is the operation name for pipeline restart recovery.
const PipelineOperation = "pipeline"

// ProcedureContext carries operation-specific detail into a procedure.
// The concrete type tells the procedure what failed.
type ProcedureContext interface {
	procedureContext()
}

// ConnectionContext describes a failed backend connection.
type ConnectionContext struct {
	// Kind is the backend kind name ("relational", "cache", ...).
	Kind string

	// Cause is the error that triggered the report.
	Cause error
}

func (ConnectionContext) procedureContext() {}

// PipelineContext describes a failed pipeline run.
type PipelineContext struct {
	// PipelineID identifies the pipeline to restart.
	PipelineID string

	// Cause is the error that triggered the report.
	Cause error
}

func (PipelineContext) procedureContext() {}

// Procedure is one named recovery routine. It must be idempotent; the
// Manager may run it again after a later failure.
type Procedure func(ctx context.Context, rc ProcedureContext) error

// Config tunes the Manager.
type Config struct {
	// MaxRetries is the per-operation failure ceiling. Once the counter
	// exceeds it, reports are rejected until a recovery succeeds. Zero
	// means 3.
	MaxRetries int

	// Timeout bounds one procedure run. Zero means 60s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// OperationStatus is a point-in-time view of one operation's recovery
// state, for the status endpoint.
type OperationStatus struct {
	FailureCount int       `json:"failure_count"`
	IsRecovering bool      `json:"is_recovering"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// opState is the Manager's per-operation bookkeeping.
type opState struct {
	procedure    Procedure
	failureCount int
	isRecovering bool
	lastAttempt  time.Time
	lastError    string
}

// Manager owns every registered recovery procedure. Create with New.
type Manager struct {
	cfg     Config
	logger  *logging.Logger
	metrics *observability.Metrics

	mu  sync.Mutex
	ops map[string]*opState
}

// New creates an empty Manager; wire procedures in with Register.
func New(cfg Config, logger *logging.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		ops:     make(map[string]*opState),
	}
}

// Register installs (or replaces) the procedure for an operation name.
func (m *Manager) Register(operation string, proc Procedure) {
	m.mu.Lock()
	st, ok := m.ops[operation]
	if !ok {
		st = &opState{}
		m.ops[operation] = st
	}
	st.procedure = proc
	m.mu.Unlock()
	m.logger.Info("recovery: procedure registered", "operation", operation)
}

// ReportFailure records a failure and attempts recovery.
//
// # Description
//
// Increments the operation's failure counter. If the counter exceeds the
// retry ceiling the report is rejected without running the procedure; the
// operation stays dead until a later report arrives after a successful
// recovery reset the counter (or an operator intervenes). Otherwise the
// procedure runs via RunRecovery, subject to the single-flight guard.
//
// # Outputs
//
//   - bool: true if a recovery procedure ran and succeeded.
func (m *Manager) ReportFailure(ctx context.Context, operation string, cause error, rc ProcedureContext) bool {
	m.mu.Lock()
	st, ok := m.ops[operation]
	if !ok || st.procedure == nil {
		m.mu.Unlock()
		m.logger.Warn("recovery: no procedure for operation", "operation", operation, "error", cause)
		return false
	}

	st.failureCount++
	count := st.failureCount
	m.mu.Unlock()

	if count > m.cfg.MaxRetries {
		m.metrics.RecoveryAttemptsTotal.WithLabelValues(operation, "exhausted").Inc()
		m.logger.Error("recovery: retry ceiling exceeded",
			"operation", operation, "failure_count", count, "max_retries", m.cfg.MaxRetries, "error", cause)
		return false
	}

	m.logger.Warn("recovery: failure reported",
		"operation", operation, "failure_count", count, "error", cause)
	return m.RunRecovery(ctx, operation, rc)
}

// RunRecovery runs the operation's procedure, single-flight.
//
// # Description
//
// If a recovery for this operation is already in flight the call is
// skipped immediately. Otherwise the procedure runs under the configured
// timeout; success resets the failure counter. The in-flight flag is
// always cleared when the procedure returns, even on panic-free error
// paths, so one stuck-then-failed run never wedges the operation.
//
// # Outputs
//
//   - bool: true if the procedure ran and succeeded.
func (m *Manager) RunRecovery(ctx context.Context, operation string, rc ProcedureContext) bool {
	m.mu.Lock()
	st, ok := m.ops[operation]
	if !ok || st.procedure == nil {
		m.mu.Unlock()
		return false
	}
	if st.isRecovering {
		m.mu.Unlock()
		m.metrics.RecoveryAttemptsTotal.WithLabelValues(operation, "skipped").Inc()
		m.logger.Info("recovery: already in flight, skipping", "operation", operation)
		return false
	}
	st.isRecovering = true
	st.lastAttempt = time.Now()
	proc := st.procedure
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.isRecovering = false
		m.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.logger.Info("recovery: procedure starting", "operation", operation)
	if err := proc(runCtx, rc); err != nil {
		m.mu.Lock()
		st.lastError = err.Error()
		m.mu.Unlock()
		m.metrics.RecoveryAttemptsTotal.WithLabelValues(operation, "failed").Inc()
		m.logger.Error("recovery: procedure failed", "operation", operation, "error", err)
		return false
	}

	m.mu.Lock()
	st.failureCount = 0
	st.lastError = ""
	m.mu.Unlock()
	m.metrics.RecoveryAttemptsTotal.WithLabelValues(operation, "recovered").Inc()
	m.logger.Info("recovery: procedure succeeded", "operation", operation)
	return true
}

// Status returns a snapshot of every registered operation.
func (m *Manager) Status() map[string]OperationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OperationStatus, len(m.ops))
	for name, st := range m.ops {
		out[name] = OperationStatus{
			FailureCount: st.failureCount,
			IsRecovering: st.isRecovering,
			LastAttempt:  st.lastAttempt,
			LastError:    st.lastError,
		}
	}
	return out
}

// ResetFailures clears an operation's failure counter, for operator use
// after fixing the underlying backend by hand.
func (m *Manager) ResetFailures(operation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.ops[operation]
	if !ok {
		return fmt.Errorf("unknown recovery operation %q", operation)
	}
	st.failureCount = 0
	st.lastError = ""
	return nil
}
