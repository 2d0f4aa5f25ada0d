// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the pipeline executor: persisted pipeline
// definitions, the run state machine, source/sink connectors, and the
// supervisor tasks that move records.
package pipeline

import (
	"time"
)

// Type is the pipeline's execution model.
type Type string

const (
	// TypeETL extracts, transforms, and loads once, then completes.
	TypeETL Type = "etl"

	// TypeStreaming processes one unit per iteration until stopped.
	TypeStreaming Type = "streaming"

	// TypeBatch is ETL with chunked writes sized by Config.BatchSize.
	TypeBatch Type = "batch"

	// TypeRealTime is a streaming run tuned for per-record delivery.
	TypeRealTime Type = "realtime"

	// TypeCustom delegates to a registered Runner.
	TypeCustom Type = "custom"
)

// Valid reports whether t is a known pipeline type.
func (t Type) Valid() bool {
	switch t {
	case TypeETL, TypeStreaming, TypeBatch, TypeRealTime, TypeCustom:
		return true
	}
	return false
}

// Status is the pipeline's position in the run state machine.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
)

// Health is the pipeline's last observed health.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SourceConfig selects and parameterizes a pipeline's input.
type SourceConfig struct {
	// Backend is the backend kind name ("relational", "streaming", ...).
	Backend string `json:"backend" yaml:"backend"`

	// Query is the extract statement for relational/columnar sources.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	// Subject is the subscription subject for streaming sources.
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`

	// Options carries connector-specific settings.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// DestinationConfig selects and parameterizes a pipeline's output.
type DestinationConfig struct {
	// Backend is the backend kind name.
	Backend string `json:"backend" yaml:"backend"`

	// Table is the target table for relational/columnar sinks.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// Subject is the publish subject for streaming sinks.
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`

	// Measurement is the target measurement for time-series sinks.
	Measurement string `json:"measurement,omitempty" yaml:"measurement,omitempty"`

	// Options carries connector-specific settings.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// RetryPolicy bounds per-unit retries inside a supervisor task.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Config is a pipeline's full definition, persisted as JSON.
type Config struct {
	Source      SourceConfig      `json:"source" yaml:"source"`
	Destination DestinationConfig `json:"destination" yaml:"destination"`

	// Transform rules apply in order to every record.
	Transform []TransformRule `json:"transform,omitempty" yaml:"transform,omitempty"`

	// Schedule is an optional cron-style expression, informational for
	// external schedulers; the executor itself runs on demand.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Retry bounds per-unit retries. Zero values mean no retries.
	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// BatchSize is the chunk size for batch pipelines. Zero means 100.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// Runner names the registered Runner for custom pipelines.
	Runner string `json:"runner,omitempty" yaml:"runner,omitempty"`
}

// Pipeline is one persisted pipeline definition.
type Pipeline struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      Type       `json:"type"`
	Config    Config     `json:"config"`
	Status    Status     `json:"status"`
	Health    Health     `json:"health"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// Metrics is one run's persisted outcome counters.
type Metrics struct {
	PipelineID       string    `json:"pipeline_id"`
	Throughput       float64   `json:"throughput"` // records per second
	LatencyMs        float64   `json:"latency_ms"` // mean per-record latency
	ErrorRate        float64   `json:"error_rate"`
	SuccessRate      float64   `json:"success_rate"`
	ProcessedRecords int64     `json:"processed_records"`
	FailedRecords    int64     `json:"failed_records"`
	Timestamp        time.Time `json:"timestamp"`
}

// LogEntry is one append-only pipeline log line.
type LogEntry struct {
	PipelineID string         `json:"pipeline_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"` // INFO, WARN, ERROR
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}
