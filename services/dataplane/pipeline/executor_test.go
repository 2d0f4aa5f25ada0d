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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/dataplane/pkg/logging"
	"github.com/AleutianAI/dataplane/services/dataplane/observability"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// ====== Fakes ======

type fakeSource struct {
	mu     sync.Mutex
	recs   []Record
	errAt  int // 1-based call index that errors; 0 means never
	block  bool
	calls  int
	closed bool
}

func (s *fakeSource) Next(ctx context.Context) (Record, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.errAt > 0 && n == s.errAt {
		return nil, errors.New("source read failed")
	}
	if n <= len(s.recs) {
		return s.recs[n-1], nil
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	got      []Record
	failures int // initial writes to fail
	closed   bool
}

func (s *fakeSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink write failed")
	}
	s.got = append(s.got, rec)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.got...)
}

type fakeOpeners struct {
	src Source
	snk Sink
}

func (f *fakeOpeners) OpenSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	return f.src, nil
}

func (f *fakeOpeners) OpenSink(ctx context.Context, cfg DestinationConfig) (Sink, error) {
	return f.snk, nil
}

type fakeRunReporter struct {
	mu   sync.Mutex
	ops  []string
	ctxs []recovery.ProcedureContext
}

func (r *fakeRunReporter) ReportFailure(ctx context.Context, operation string, cause error, rc recovery.ProcedureContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	r.ctxs = append(r.ctxs, rc)
	return true
}

// ====== Helpers ======

func newTestExecutor(t *testing.T, src Source, snk Sink, opts ...ExecutorOption) (*Executor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	exec := NewExecutor(store, &fakeOpeners{src: src, snk: snk}, &fakeOpeners{src: src, snk: snk},
		logging.Discard(), observability.NewForTest(), opts...)
	return exec, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(t *testing.T, store Store, id string) Status {
	t.Helper()
	p, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return p.Status
}

// ====== Tests ======

func TestExecutor_Create(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	ctx := context.Background()

	p, err := exec.Create(ctx, "orders-etl", TypeETL, Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" || p.Status != StatusCreated || p.Health != HealthUnknown || p.Version != 1 {
		t.Errorf("unexpected pipeline: %+v", p)
	}
	if _, err := store.Get(ctx, p.ID); err != nil {
		t.Errorf("pipeline not persisted: %v", err)
	}

	if _, err := exec.Create(ctx, "bad", Type("mapreduce"), Config{}); err == nil {
		t.Error("unknown type accepted")
	}
	badRules := Config{Transform: []TransformRule{{Op: "uppercase"}}}
	if _, err := exec.Create(ctx, "bad", TypeETL, badRules); err == nil {
		t.Error("malformed transform rules accepted")
	}
}

func TestExecutor_ETLCompletes(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}, {"v": 2}, {"v": 3}}}
	snk := &fakeSink{}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "etl", TypeETL, Config{
		Transform: []TransformRule{{Op: "set", Field: "tagged", Value: true}},
	})
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("etl") })

	if got := statusOf(t, store, "etl"); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	p, _ := store.Get(ctx, "etl")
	if p.Health != HealthHealthy {
		t.Errorf("health = %s, want healthy", p.Health)
	}
	if p.LastRun == nil {
		t.Error("LastRun not stamped")
	}

	recs := snk.records()
	if len(recs) != 3 {
		t.Fatalf("sink got %d records, want 3", len(recs))
	}
	if recs[0]["tagged"] != true {
		t.Errorf("transform not applied: %v", recs[0])
	}

	saved := store.SavedMetrics("etl")
	if len(saved) != 1 || saved[0].ProcessedRecords != 3 || saved[0].FailedRecords != 0 {
		t.Errorf("saved metrics = %+v", saved)
	}
	if !src.closed {
		t.Error("source not closed")
	}
}

// A source that errors mid-run must leave the pipeline Failed with one
// ERROR log entry and no lingering run.
func TestExecutor_SourceErrorFailsRun(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}, {"v": 2}}, errAt: 2}
	snk := &fakeSink{}
	reporter := &fakeRunReporter{}
	exec, store := newTestExecutor(t, src, snk, WithFailureReporter(reporter))
	ctx := context.Background()

	seedPipeline(t, store, "etl", TypeETL, Config{})
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("etl") })

	if got := statusOf(t, store, "etl"); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	p, _ := store.Get(ctx, "etl")
	if p.Health != HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", p.Health)
	}

	logs, err := store.Logs(ctx, "etl", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d log entries, want 1", len(logs))
	}
	if logs[0].Level != "ERROR" {
		t.Errorf("log level = %s, want ERROR", logs[0].Level)
	}

	// First unit still made it through before the failure.
	if got := len(snk.records()); got != 1 {
		t.Errorf("sink got %d records, want 1", got)
	}

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.ops) != 1 || reporter.ops[0] != recovery.PipelineOperation {
		t.Fatalf("reporter ops = %v", reporter.ops)
	}
	pc, ok := reporter.ctxs[0].(recovery.PipelineContext)
	if !ok || pc.PipelineID != "etl" {
		t.Errorf("reporter context = %#v", reporter.ctxs[0])
	}
}

func TestExecutor_AlreadyRunning(t *testing.T) {
	src := &fakeSource{block: true}
	exec, store := newTestExecutor(t, src, &fakeSink{})
	ctx := context.Background()

	seedPipeline(t, store, "stream", TypeStreaming, Config{})
	if err := exec.Start(ctx, "stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop(ctx, "stream")

	err := exec.Start(ctx, "stream")
	var are *AlreadyRunningError
	if !errors.As(err, &are) || are.ID != "stream" {
		t.Errorf("second Start = %v, want AlreadyRunningError", err)
	}
}

func TestExecutor_StopStreaming(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}}, block: true}
	snk := &fakeSink{}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "stream", TypeStreaming, Config{})
	if err := exec.Start(ctx, "stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first record", func() bool { return len(snk.records()) == 1 })

	if err := exec.Stop(ctx, "stream"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if exec.IsRunning("stream") {
		t.Error("still running after Stop")
	}
	if got := statusOf(t, store, "stream"); got != StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
	// Cancellation is not a failure: no error log.
	logs, _ := store.Logs(ctx, "stream", 0)
	if len(logs) != 0 {
		t.Errorf("stop produced %d log entries", len(logs))
	}
}

func TestExecutor_StopNotRunning(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	seedPipeline(t, store, "idle", TypeETL, Config{})

	err := exec.Stop(context.Background(), "idle")
	var nre *NotRunningError
	if !errors.As(err, &nre) || nre.ID != "idle" {
		t.Errorf("Stop(idle) = %v, want NotRunningError", err)
	}
}

func TestExecutor_StartUnknownPipeline(t *testing.T) {
	exec, _ := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	if err := exec.Start(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Start(ghost) = %v, want ErrNotFound", err)
	}
}

func TestExecutor_SinkRetrySucceeds(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}}}
	snk := &fakeSink{failures: 2}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "etl", TypeETL, Config{
		Retry: RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("etl") })

	if got := statusOf(t, store, "etl"); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if got := len(snk.records()); got != 1 {
		t.Errorf("sink got %d records, want 1", got)
	}
}

func TestExecutor_SinkRetryExhausted(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}}}
	snk := &fakeSink{failures: 5}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "etl", TypeETL, Config{
		Retry: RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond},
	})
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("etl") })

	if got := statusOf(t, store, "etl"); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	saved := store.SavedMetrics("etl")
	if len(saved) != 1 || saved[0].FailedRecords != 1 {
		t.Errorf("saved metrics = %+v", saved)
	}
}

func TestExecutor_BatchDeliversAll(t *testing.T) {
	recs := []Record{{"v": 1}, {"v": 2}, {"v": 3}, {"v": 4}, {"v": 5}}
	src := &fakeSource{recs: recs}
	snk := &fakeSink{}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "batch", TypeBatch, Config{BatchSize: 2})
	if err := exec.Start(ctx, "batch"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("batch") })

	if got := statusOf(t, store, "batch"); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if got := len(snk.records()); got != 5 {
		t.Errorf("sink got %d records, want 5", got)
	}
}

func TestExecutor_CustomRunner(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	ctx := context.Background()

	ran := make(chan string, 1)
	exec.RegisterRunner("audit", func(ctx context.Context, p *Pipeline) error {
		ran <- p.ID
		return nil
	})

	seedPipeline(t, store, "custom", TypeCustom, Config{Runner: "audit"})
	if err := exec.Start(ctx, "custom"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("custom") })

	select {
	case id := <-ran:
		if id != "custom" {
			t.Errorf("runner saw pipeline %s", id)
		}
	default:
		t.Fatal("runner never invoked")
	}
	if got := statusOf(t, store, "custom"); got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestExecutor_CustomRunnerMissing(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	ctx := context.Background()

	seedPipeline(t, store, "custom", TypeCustom, Config{Runner: "unregistered"})
	if err := exec.Start(ctx, "custom"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run to finish", func() bool { return !exec.IsRunning("custom") })

	if got := statusOf(t, store, "custom"); got != StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestExecutor_StatusWhileRunning(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}, {"v": 2}}, block: true}
	snk := &fakeSink{}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "stream", TypeStreaming, Config{})
	if err := exec.Start(ctx, "stream"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop(ctx, "stream")
	waitFor(t, "records to flow", func() bool { return len(snk.records()) == 2 })

	rep, err := exec.Status(ctx, "stream")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !rep.IsRunning || rep.Status != StatusRunning {
		t.Errorf("report = %+v, want running", rep)
	}
	if rep.Live == nil || rep.Live.ProcessedRecords != 2 {
		t.Errorf("live metrics = %+v", rep.Live)
	}
}

func TestExecutor_StatusIdle(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeSource{}, &fakeSink{})
	seedPipeline(t, store, "idle", TypeETL, Config{})

	rep, err := exec.Status(context.Background(), "idle")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.IsRunning || rep.Live != nil {
		t.Errorf("idle report = %+v", rep)
	}
	if rep.Status != StatusCreated {
		t.Errorf("status = %s, want created", rep.Status)
	}
}

func TestExecutor_RestartAfterFailure(t *testing.T) {
	src := &fakeSource{recs: []Record{{"v": 1}}, errAt: 1}
	snk := &fakeSink{}
	exec, store := newTestExecutor(t, src, snk)
	ctx := context.Background()

	seedPipeline(t, store, "etl", TypeETL, Config{})
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "failed run", func() bool { return statusOf(t, store, "etl") == StatusFailed })
	waitFor(t, "run to drain", func() bool { return !exec.IsRunning("etl") })

	// Failed -> Running is legal; the second run completes.
	if err := exec.Start(ctx, "etl"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "second run", func() bool { return statusOf(t, store, "etl") == StatusCompleted })
}

func TestExecutor_Shutdown(t *testing.T) {
	src := &fakeSource{block: true}
	snk := &fakeSink{}
	store := NewMemoryStore()
	execA := NewExecutor(store, &fakeOpeners{src: src, snk: snk}, &fakeOpeners{src: src, snk: snk},
		logging.Discard(), observability.NewForTest())

	seedPipeline(t, store, "s1", TypeStreaming, Config{})
	seedPipeline(t, store, "s2", TypeStreaming, Config{})

	ctx := context.Background()
	if err := execA.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start s1: %v", err)
	}
	if err := execA.Start(ctx, "s2"); err != nil {
		t.Fatalf("Start s2: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := execA.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if execA.IsRunning("s1") || execA.IsRunning("s2") {
		t.Error("runs still registered after shutdown")
	}

	// Shutdown settles cancelled runs in the store; otherwise they stay
	// Running forever and can never be started again.
	for _, id := range []string{"s1", "s2"} {
		if got := statusOf(t, store, id); got != StatusStopped {
			t.Errorf("%s status after shutdown = %s, want stopped", id, got)
		}
	}
	if err := execA.Start(ctx, "s1"); err != nil {
		t.Fatalf("Start after shutdown: %v", err)
	}
	defer execA.Stop(ctx, "s1")
}
