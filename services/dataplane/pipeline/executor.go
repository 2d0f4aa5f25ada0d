// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// AlreadyRunningError reports a start against a pipeline that is already
// executing.
type AlreadyRunningError struct {
	ID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("pipeline %s is already running", e.ID)
}

// NotRunningError reports a stop against a pipeline with no active run.
type NotRunningError struct {
	ID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("pipeline %s is not running", e.ID)
}

// Runner executes a custom pipeline. The run ends when it returns; a nil
// error marks the run Completed, context.Canceled marks it Stopped, and
// anything else marks it Failed.
type Runner func(ctx context.Context, p *Pipeline) error

// FailureReporter receives pipeline run failures, typically the recovery
// manager.
type FailureReporter interface {
	ReportFailure(ctx context.Context, operation string, cause error, rc recovery.ProcedureContext) bool
}

// StatusReport is a pipeline's current position: persisted state plus
// live run information.
type StatusReport struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	Health    Health     `json:"health"`
	IsRunning bool       `json:"is_running"`
	LastRun   *time.Time `json:"last_run,omitempty"`

	// Live is the in-flight run's counters, only set while running.
	Live *Metrics `json:"live,omitempty"`
}

// task is one in-flight pipeline run.
type task struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64
}

// ====== Executor ======

// Executor owns pipeline runs. Each started pipeline gets a supervisor
// goroutine that moves records from source to sink and persists the
// outcome when the run ends.
//
// # Thread Safety
//
// All methods are safe for concurrent use. At most one run per pipeline
// id is in flight at a time.
type Executor struct {
	store   Store
	sources SourceOpener
	sinks   SinkOpener
	logger  *logging.Logger
	metrics *observability.Metrics

	reporter FailureReporter
	now      func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	runners map[string]Runner
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithFailureReporter routes run failures into a recovery manager.
func WithFailureReporter(r FailureReporter) ExecutorOption {
	return func(e *Executor) { e.reporter = r }
}

// WithExecutorClock overrides the time source. Tests only.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor over a store and connector openers.
func NewExecutor(store Store, sources SourceOpener, sinks SinkOpener, logger *logging.Logger, metrics *observability.Metrics, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:   store,
		sources: sources,
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		tasks:   make(map[string]*task),
		runners: make(map[string]Runner),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterRunner installs the Runner for custom pipelines whose config
// names it.
func (e *Executor) RegisterRunner(name string, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[name] = r
}

// Create persists a new pipeline in the Created state and returns it.
func (e *Executor) Create(ctx context.Context, name string, typ Type, cfg Config) (*Pipeline, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown pipeline type %q", typ)
	}
	if err := ValidateRules(cfg.Transform); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	p := &Pipeline{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Config:    cfg,
		Status:    StatusCreated,
		Health:    HealthUnknown,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info("pipeline: created", "id", p.ID, "name", name, "type", typ)
	return p, nil
}

// Start launches a supervisor for the pipeline. It returns once the run
// is recorded as Running; the supervisor outlives the caller's context.
func (e *Executor) Start(ctx context.Context, id string) error {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.Type.Valid() {
		return fmt.Errorf("pipeline %s has unknown type %q", id, p.Type)
	}
	if err := ValidateRules(p.Config.Transform); err != nil {
		return fmt.Errorf("pipeline %s: %w", id, err)
	}

	e.mu.Lock()
	if _, inFlight := e.tasks[id]; inFlight {
		e.mu.Unlock()
		return &AlreadyRunningError{ID: id}
	}

	if err := e.store.UpdateStatus(ctx, id, StatusRunning, ""); err != nil {
		e.mu.Unlock()
		return err
	}

	// The run is detached from the caller's context so an HTTP request
	// timing out does not kill the pipeline.
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: e.now(),
	}
	e.tasks[id] = t
	e.mu.Unlock()

	e.metrics.PipelinesRunning.Inc()
	e.logger.Info("pipeline: started", "id", id, "name", p.Name, "type", p.Type)

	go e.supervise(runCtx, p, t)
	return nil
}

// Stop cancels the pipeline's run and waits for the supervisor to drain,
// then records the Stopped state.
func (e *Executor) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return &NotRunningError{ID: id}
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("stop pipeline %s: %w", id, ctx.Err())
	}

	err := e.store.UpdateStatus(ctx, id, StatusStopped, "")
	if IsInvalidTransition(err) {
		// The run finished on its own between cancel and here; the
		// supervisor already persisted the terminal state.
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Info("pipeline: stopped", "id", id)
	return nil
}

// Status reports the pipeline's persisted state plus live counters when a
// run is in flight.
func (e *Executor) Status(ctx context.Context, id string) (*StatusReport, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{
		ID:      p.ID,
		Name:    p.Name,
		Type:    p.Type,
		Status:  p.Status,
		Health:  p.Health,
		LastRun: p.LastRun,
	}

	e.mu.Lock()
	t, running := e.tasks[id]
	e.mu.Unlock()
	if running {
		rep.IsRunning = true
		live := e.buildMetrics(id, t)
		rep.Live = &live
	}
	return rep, nil
}

// IsRunning reports whether a run is in flight for id.
func (e *Executor) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[id]
	return ok
}

// Shutdown stops every in-flight run, waits for the supervisors, and
// records each cancelled run as Stopped.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	tasks := make(map[string]*task, len(e.tasks))
	for id, t := range e.tasks {
		tasks[id] = t
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for id, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: pipeline %s still draining: %w", id, ctx.Err())
		}
		// A cancelled supervisor leaves the persisted status at Running
		// for Stop to finish; no Stop is coming here, so settle it now.
		// An invalid transition means the run reached its own terminal
		// state first.
		if err := e.store.UpdateStatus(ctx, id, StatusStopped, ""); err != nil && !IsInvalidTransition(err) {
			e.logger.Warn("pipeline: shutdown state not persisted", "id", id, "error", err)
		}
	}
	return nil
}

// ====== Supervisor ======

// supervise drives one run to its terminal state. It always persists the
// outcome with a background context: the run context is usually already
// cancelled when the run ends.
func (e *Executor) supervise(ctx context.Context, p *Pipeline, t *task) {
	defer func() {
		e.mu.Lock()
		delete(e.tasks, p.ID)
		e.mu.Unlock()
		e.metrics.PipelinesRunning.Dec()
		close(t.done)
	}()

	runErr := e.runByType(ctx, p, t)

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := e.buildMetrics(p.ID, t)
	if err := e.store.SaveMetrics(persistCtx, &m); err != nil {
		e.logger.Warn("pipeline: metrics flush failed", "id", p.ID, "error", err)
	}

	switch {
	case runErr == nil:
		if err := e.store.UpdateStatus(persistCtx, p.ID, StatusCompleted, HealthHealthy); err != nil {
			e.logger.Error("pipeline: completion not persisted", "id", p.ID, "error", err)
		}
		if err := e.store.SetLastRun(persistCtx, p.ID, e.now()); err != nil {
			e.logger.Warn("pipeline: last run not stamped", "id", p.ID, "error", err)
		}
		e.logger.Info("pipeline: completed", "id", p.ID,
			"processed", t.processed.Load(), "failed", t.failed.Load())

	case errors.Is(runErr, context.Canceled):
		// Stop owns the Stopped transition; nothing to persist here.
		e.logger.Info("pipeline: run cancelled", "id", p.ID,
			"processed", t.processed.Load())

	default:
		if err := e.store.UpdateStatus(persistCtx, p.ID, StatusFailed, HealthUnhealthy); err != nil {
			e.logger.Error("pipeline: failure not persisted", "id", p.ID, "error", err)
		}
		entry := &LogEntry{
			PipelineID: p.ID,
			Timestamp:  e.now().UTC(),
			Level:      "ERROR",
			Message:    runErr.Error(),
			Details: map[string]any{
				"processed": t.processed.Load(),
				"failed":    t.failed.Load(),
			},
		}
		if err := e.store.AppendLog(persistCtx, entry); err != nil {
			e.logger.Warn("pipeline: failure log not persisted", "id", p.ID, "error", err)
		}
		e.logger.Error("pipeline: run failed", "id", p.ID, "error", runErr)

		if e.reporter != nil {
			e.reporter.ReportFailure(persistCtx, recovery.PipelineOperation, runErr,
				recovery.PipelineContext{PipelineID: p.ID, Cause: runErr})
		}
	}
}

func (e *Executor) runByType(ctx context.Context, p *Pipeline, t *task) error {
	switch p.Type {
	case TypeETL:
		return e.runFlow(ctx, p, t, false)
	case TypeBatch:
		return e.runBatch(ctx, p, t)
	case TypeStreaming, TypeRealTime:
		return e.runFlow(ctx, p, t, true)
	case TypeCustom:
		e.mu.Lock()
		runner, ok := e.runners[p.Config.Runner]
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("no runner registered as %q", p.Config.Runner)
		}
		return runner(ctx, p)
	}
	return fmt.Errorf("unknown pipeline type %q", p.Type)
}

// runFlow moves records one at a time. A finite flow ends at io.EOF; a
// streaming flow ends only on cancellation.
func (e *Executor) runFlow(ctx context.Context, p *Pipeline, t *task, streaming bool) error {
	src, snk, err := e.open(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()
	defer snk.Close()

	for {
		rec, err := src.Next(ctx)
		if err != nil {
			if !streaming && errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("source: %w", err)
		}
		if err := e.deliver(ctx, p, t, snk, rec); err != nil {
			return err
		}
	}
}

// runBatch drains the source into chunks of BatchSize and delivers each
// chunk before reading the next.
func (e *Executor) runBatch(ctx context.Context, p *Pipeline, t *task) error {
	src, snk, err := e.open(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()
	defer snk.Close()

	size := p.Config.BatchSize
	if size <= 0 {
		size = 100
	}

	batch := make([]Record, 0, size)
	flush := func() error {
		for _, rec := range batch {
			if err := e.deliver(ctx, p, t, snk, rec); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return flush()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("source: %w", err)
		}
		batch = append(batch, rec)
		if len(batch) >= size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) open(ctx context.Context, p *Pipeline) (Source, Sink, error) {
	src, err := e.sources.OpenSource(ctx, p.Config.Source)
	if err != nil {
		return nil, nil, err
	}
	snk, err := e.sinks.OpenSink(ctx, p.Config.Destination)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return src, snk, nil
}

// deliver transforms one record and writes it, retrying per the
// pipeline's retry policy. Exhausted retries fail the run.
func (e *Executor) deliver(ctx context.Context, p *Pipeline, t *task, snk Sink, rec Record) error {
	out := ApplyRules(p.Config.Transform, rec)

	attempts := p.Config.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = snk.Write(ctx, out)
		if lastErr == nil {
			t.processed.Add(1)
			e.metrics.PipelineRecordsTotal.WithLabelValues(p.ID, "ok").Inc()
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return context.Canceled
		}
		if attempt < attempts && p.Config.Retry.Delay > 0 {
			select {
			case <-time.After(p.Config.Retry.Delay):
			case <-ctx.Done():
				return context.Canceled
			}
		}
	}

	t.failed.Add(1)
	e.metrics.PipelineRecordsTotal.WithLabelValues(p.ID, "failed").Inc()
	return fmt.Errorf("sink: %w", lastErr)
}

// buildMetrics snapshots a task's counters into persisted run metrics.
func (e *Executor) buildMetrics(id string, t *task) Metrics {
	processed := t.processed.Load()
	failed := t.failed.Load()
	total := processed + failed
	elapsed := e.now().Sub(t.startedAt)

	m := Metrics{
		PipelineID:       id,
		ProcessedRecords: processed,
		FailedRecords:    failed,
		Timestamp:        e.now().UTC(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		m.Throughput = float64(processed) / secs
	}
	if processed > 0 {
		m.LatencyMs = float64(elapsed.Milliseconds()) / float64(processed)
	}
	if total > 0 {
		m.ErrorRate = float64(failed) / float64(total)
		m.SuccessRate = float64(processed) / float64(total)
	}
	return m
}
