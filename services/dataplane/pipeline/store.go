// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/dataplane/services/dataplane/backend"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"
)

// ErrNotFound is returned for operations against an unknown pipeline id.
var ErrNotFound = errors.New("pipeline not found")

// Store persists pipeline definitions, run metrics, and logs.
//
// UpdateStatus enforces the run state machine: an illegal change returns
// *InvalidTransitionError and leaves the row untouched.
type Store interface {
	Create(ctx context.Context, p *Pipeline) error
	Get(ctx context.Context, id string) (*Pipeline, error)
	List(ctx context.Context) ([]*Pipeline, error)

	// UpdateStatus moves a pipeline through the state machine, stamping
	// UpdatedAt and bumping the version. An empty health leaves the
	// current health in place.
	UpdateStatus(ctx context.Context, id string, status Status, health Health) error

	// SetLastRun stamps the last successful run.
	SetLastRun(ctx context.Context, id string, t time.Time) error

	SaveMetrics(ctx context.Context, m *Metrics) error
	AppendLog(ctx context.Context, e *LogEntry) error

	// Logs returns the newest entries first, up to limit. An unknown
	// pipeline id returns ErrNotFound, not an empty slice.
	Logs(ctx context.Context, id string, limit int) ([]LogEntry, error)
}

// ====== Relational store ======

// Schema is the relational layout for pipeline state.
const Schema = `
CREATE TABLE IF NOT EXISTS pipelines (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL,
    config     JSONB NOT NULL,
    status     TEXT NOT NULL,
    health     TEXT NOT NULL,
    version    INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_run   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pipeline_metrics (
    pipeline_id       TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
    throughput        DOUBLE PRECISION NOT NULL,
    latency_ms        DOUBLE PRECISION NOT NULL,
    error_rate        DOUBLE PRECISION NOT NULL,
    success_rate      DOUBLE PRECISION NOT NULL,
    processed_records BIGINT NOT NULL,
    failed_records    BIGINT NOT NULL,
    timestamp         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_metrics_id_ts
    ON pipeline_metrics (pipeline_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS pipeline_logs (
    pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
    timestamp   TIMESTAMPTZ NOT NULL,
    level       TEXT NOT NULL,
    message     TEXT NOT NULL,
    details     JSONB
);
CREATE INDEX IF NOT EXISTS pipeline_logs_id_ts
    ON pipeline_logs (pipeline_id, timestamp DESC);
`

// PostgresStore persists pipelines in the relational backend, checking
// out a handle per call so every query routes through the pool's breaker.
type PostgresStore struct {
	pool *pool.Manager
}

// NewPostgresStore creates a store over the pool manager's relational
// backend.
func NewPostgresStore(pm *pool.Manager) *PostgresStore {
	return &PostgresStore{pool: pm}
}

// db checks out the relational session for one call.
func (s *PostgresStore) db(ctx context.Context) (*pgxpool.Pool, *backend.Handle, error) {
	h, err := s.pool.Acquire(ctx, backend.Relational)
	if err != nil {
		return nil, nil, err
	}
	p, ok := h.Session.(*pgxpool.Pool)
	if !ok {
		s.pool.Release(h)
		return nil, nil, fmt.Errorf("relational session is %T, want *pgxpool.Pool", h.Session)
	}
	return p, h, nil
}

// EnsureSchema creates the pipeline tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure pipeline schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Pipeline) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("encode pipeline config: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO pipelines (id, name, type, config, status, health, version, created_at, updated_at, last_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Name, string(p.Type), cfg, string(p.Status), string(p.Health),
		p.Version, p.CreatedAt, p.UpdatedAt, p.LastRun)
	if err != nil {
		return fmt.Errorf("insert pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Pipeline, error) {
	db, h, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	return scanPipeline(db.QueryRow(ctx, `
		SELECT id, name, type, config, status, health, version, created_at, updated_at, last_run
		FROM pipelines WHERE id = $1`, id))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Pipeline, error) {
	db, h, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := db.Query(ctx, `
		SELECT id, name, type, config, status, health, version, created_at, updated_at, last_run
		FROM pipelines ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*Pipeline, error) {
	var p Pipeline
	var typ, status, health string
	var cfg []byte
	err := row.Scan(&p.ID, &p.Name, &typ, &cfg, &status, &health,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.LastRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	if err := json.Unmarshal(cfg, &p.Config); err != nil {
		return nil, fmt.Errorf("decode pipeline config: %w", err)
	}
	p.Type = Type(typ)
	p.Status = Status(status)
	p.Health = Health(health)
	return &p, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, health Health) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	// Read-check-write under a row lock so concurrent transitions
	// serialize on the row.
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM pipelines WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", id, err)
	}
	if err := checkTransition(Status(current), status); err != nil {
		return err
	}

	if health != "" {
		_, err = tx.Exec(ctx, `
			UPDATE pipelines SET status = $2, health = $3, version = version + 1, updated_at = $4
			WHERE id = $1`, id, string(status), string(health), time.Now().UTC())
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE pipelines SET status = $2, version = version + 1, updated_at = $3
			WHERE id = $1`, id, string(status), time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetLastRun(ctx context.Context, id string, t time.Time) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	tag, err := db.Exec(ctx, `UPDATE pipelines SET last_run = $2 WHERE id = $1`, id, t.UTC())
	if err != nil {
		return fmt.Errorf("stamp last run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveMetrics(ctx context.Context, m *Metrics) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = db.Exec(ctx, `
		INSERT INTO pipeline_metrics
		    (pipeline_id, throughput, latency_ms, error_rate, success_rate, processed_records, failed_records, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.PipelineID, m.Throughput, m.LatencyMs, m.ErrorRate, m.SuccessRate,
		m.ProcessedRecords, m.FailedRecords, m.Timestamp)
	if err != nil {
		return fmt.Errorf("save metrics for %s: %w", m.PipelineID, err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, e *LogEntry) error {
	db, h, err := s.db(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	var details []byte
	if e.Details != nil {
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode log details: %w", err)
		}
	}
	_, err = db.Exec(ctx, `
		INSERT INTO pipeline_logs (pipeline_id, timestamp, level, message, details)
		VALUES ($1, $2, $3, $4, $5)`,
		e.PipelineID, e.Timestamp, e.Level, e.Message, details)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", e.PipelineID, err)
	}
	return nil
}

func (s *PostgresStore) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	db, h, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	if limit <= 0 {
		limit = 100
	}

	// No log rows for an id is normal; no pipeline row is a 404.
	var exists int
	err = db.QueryRow(ctx, `SELECT 1 FROM pipelines WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load logs for %s: %w", id, err)
	}

	rows, err := db.Query(ctx, `
		SELECT pipeline_id, timestamp, level, message, details
		FROM pipeline_logs WHERE pipeline_id = $1
		ORDER BY timestamp DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("load logs for %s: %w", id, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var details []byte
		if err := rows.Scan(&e.PipelineID, &e.Timestamp, &e.Level, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode log details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

// ====== In-memory store ======

// MemoryStore is a Store for tests and single-process development runs.
type MemoryStore struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	metrics   map[string][]Metrics
	logs      map[string][]LogEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*Pipeline),
		metrics:   make(map[string][]Metrics),
		logs:      make(map[string][]LogEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, health Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(p.Status, status); err != nil {
		return err
	}
	p.Status = status
	if health != "" {
		p.Health = health
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetLastRun(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return ErrNotFound
	}
	ts := t.UTC()
	p.LastRun = &ts
	return nil
}

func (s *MemoryStore) SaveMetrics(ctx context.Context, m *Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.PipelineID] = append(s.metrics[m.PipelineID], *m)
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[e.PipelineID] = append(s.logs[e.PipelineID], *e)
	return nil
}

func (s *MemoryStore) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return nil, ErrNotFound
	}
	entries := s.logs[id]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	// Newest first.
	out := make([]LogEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// SavedMetrics returns every metrics flush for a pipeline. Tests only.
func (s *MemoryStore) SavedMetrics(id string) []Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metrics(nil), s.metrics[id]...)
}

var _ Store = (*MemoryStore)(nil)
