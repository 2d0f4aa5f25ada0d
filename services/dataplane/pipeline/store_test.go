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
	"testing"
	"time"
)

func seedPipeline(t *testing.T, s Store, id string, typ Type, cfg Config) *Pipeline {
	t.Helper()
	now := time.Now().UTC()
	p := &Pipeline{
		ID:        id,
		Name:      "test-" + id,
		Type:      typ,
		Config:    cfg,
		Status:    StatusCreated,
		Health:    HealthUnknown,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPipeline(t, s, "p1", TypeETL, Config{BatchSize: 10})

	got, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "test-p1" || got.Type != TypeETL || got.Status != StatusCreated {
		t.Errorf("unexpected pipeline: %+v", got)
	}
	if got.Config.BatchSize != 10 {
		t.Errorf("config not persisted: %+v", got.Config)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := s.Create(ctx, got); err == nil {
		t.Error("duplicate Create accepted")
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	seedPipeline(t, s, "a", TypeETL, Config{})
	time.Sleep(2 * time.Millisecond)
	seedPipeline(t, s, "b", TypeStreaming, Config{})

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d pipelines, want 2", len(list))
	}
	if list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("list not ordered by creation: %s, %s", list[0].ID, list[1].ID)
	}
}

func TestMemoryStore_UpdateStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPipeline(t, s, "p1", TypeETL, Config{})

	if err := s.UpdateStatus(ctx, "p1", StatusRunning, HealthHealthy); err != nil {
		t.Fatalf("created -> running: %v", err)
	}
	got, _ := s.Get(ctx, "p1")
	if got.Status != StatusRunning || got.Health != HealthHealthy {
		t.Errorf("status %s health %s after update", got.Status, got.Health)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	// Empty health leaves the current value.
	if err := s.UpdateStatus(ctx, "p1", StatusPaused, ""); err != nil {
		t.Fatalf("running -> paused: %v", err)
	}
	got, _ = s.Get(ctx, "p1")
	if got.Health != HealthHealthy {
		t.Errorf("health changed to %s on empty update", got.Health)
	}

	err := s.UpdateStatus(ctx, "p1", StatusCompleted, "")
	if !IsInvalidTransition(err) {
		t.Errorf("paused -> completed = %v, want InvalidTransitionError", err)
	}
	got, _ = s.Get(ctx, "p1")
	if got.Status != StatusPaused {
		t.Errorf("rejected transition changed status to %s", got.Status)
	}

	if err := s.UpdateStatus(ctx, "missing", StatusRunning, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_SetLastRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPipeline(t, s, "p1", TypeETL, Config{})

	stamp := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := s.SetLastRun(ctx, "p1", stamp); err != nil {
		t.Fatalf("SetLastRun: %v", err)
	}
	got, _ := s.Get(ctx, "p1")
	if got.LastRun == nil || !got.LastRun.Equal(stamp) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, stamp)
	}

	if err := s.SetLastRun(ctx, "missing", stamp); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetLastRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Logs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPipeline(t, s, "p1", TypeETL, Config{})

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := s.AppendLog(ctx, &LogEntry{
			PipelineID: "p1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Level:      "INFO",
			Message:    "entry",
		})
		if err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	logs, err := s.Logs(ctx, "p1", 3)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d entries, want 3", len(logs))
	}
	// Newest first.
	if !logs[0].Timestamp.After(logs[1].Timestamp) {
		t.Errorf("logs not newest-first: %v then %v", logs[0].Timestamp, logs[1].Timestamp)
	}

	all, _ := s.Logs(ctx, "p1", 0)
	if len(all) != 5 {
		t.Errorf("limit 0 returned %d entries, want all 5", len(all))
	}
}

func TestMemoryStore_LogsUnknownPipeline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPipeline(t, s, "p1", TypeETL, Config{})

	// An unknown id is not the same as a pipeline with no logs yet.
	if _, err := s.Logs(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Logs(missing) = %v, want ErrNotFound", err)
	}
	logs, err := s.Logs(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("Logs(p1): %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("fresh pipeline has %d log entries", len(logs))
	}
}

func TestMemoryStore_SaveMetrics(t *testing.T) {
	s := NewMemoryStore()
	seedPipeline(t, s, "p1", TypeETL, Config{})

	m := &Metrics{PipelineID: "p1", ProcessedRecords: 7, Timestamp: time.Now().UTC()}
	if err := s.SaveMetrics(context.Background(), m); err != nil {
		t.Fatalf("SaveMetrics: %v", err)
	}
	saved := s.SavedMetrics("p1")
	if len(saved) != 1 || saved[0].ProcessedRecords != 7 {
		t.Errorf("saved metrics = %+v", saved)
	}
}
