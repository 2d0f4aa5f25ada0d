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
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/AleutianAI/dataplane/pkg/validation"
	"github.com/AleutianAI/dataplane/services/dataplane/backend"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"
)

// Source yields one record per call. Next returns io.EOF when the source
// is exhausted; streaming sources never return io.EOF on their own and
// stop only when the context is cancelled.
type Source interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Sink accepts transformed records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// SourceOpener builds a Source from a pipeline's source config.
type SourceOpener interface {
	OpenSource(ctx context.Context, cfg SourceConfig) (Source, error)
}

// SinkOpener builds a Sink from a pipeline's destination config.
type SinkOpener interface {
	OpenSink(ctx context.Context, cfg DestinationConfig) (Sink, error)
}

// handlePool is the slice of the pool manager the connectors use.
type handlePool interface {
	Acquire(ctx context.Context, kind backend.Kind) (*backend.Handle, error)
	Release(h *backend.Handle)
}

// Connectors maps pipeline endpoint configs onto pool-managed backend
// sessions. Every open routes through the pool manager, so an open
// breaker or dead backend surfaces at pipeline start. The checked-out
// handle is released when the source or sink closes.
type Connectors struct {
	pool handlePool
}

// NewConnectors creates the connector factory.
func NewConnectors(pm *pool.Manager) *Connectors {
	return &Connectors{pool: pm}
}

// OpenSource builds a Source for cfg.
//
// Supported backends: relational (Query required) and streaming
// (Subject required).
func (c *Connectors) OpenSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("source backend: %w", err)
	}
	h, err := c.pool.Acquire(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("acquire %s source: %w", kind, err)
	}
	src, err := c.openSource(ctx, kind, cfg, h)
	if err != nil {
		c.pool.Release(h)
		return nil, err
	}
	return &releasingSource{Source: src, release: func() { c.pool.Release(h) }}, nil
}

func (c *Connectors) openSource(ctx context.Context, kind backend.Kind, cfg SourceConfig, h *backend.Handle) (Source, error) {
	switch kind {
	case backend.Relational:
		db, ok := h.Session.(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("relational session is %T, want *pgxpool.Pool", h.Session)
		}
		if cfg.Query == "" {
			return nil, fmt.Errorf("relational source needs a query")
		}
		rows, err := db.Query(ctx, cfg.Query)
		if err != nil {
			return nil, fmt.Errorf("open relational source: %w", err)
		}
		return &pgxSource{rows: rows}, nil

	case backend.Streaming:
		nc, ok := h.Session.(*nats.Conn)
		if !ok {
			return nil, fmt.Errorf("streaming session is %T, want *nats.Conn", h.Session)
		}
		if err := validation.ValidateSubject(cfg.Subject); err != nil {
			return nil, fmt.Errorf("streaming source: %w", err)
		}
		sub, err := nc.SubscribeSync(cfg.Subject)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
		}
		return &natsSource{sub: sub}, nil
	}
	return nil, fmt.Errorf("backend %s cannot act as a pipeline source", kind)
}

// OpenSink builds a Sink for cfg.
//
// Supported backends: relational and columnar (Table required),
// timeseries (Measurement required, org/bucket via Options), and
// streaming (Subject required).
func (c *Connectors) OpenSink(ctx context.Context, cfg DestinationConfig) (Sink, error) {
	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("destination backend: %w", err)
	}
	h, err := c.pool.Acquire(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("acquire %s sink: %w", kind, err)
	}
	snk, err := c.openSink(kind, cfg, h)
	if err != nil {
		c.pool.Release(h)
		return nil, err
	}
	return &releasingSink{Sink: snk, release: func() { c.pool.Release(h) }}, nil
}

func (c *Connectors) openSink(kind backend.Kind, cfg DestinationConfig, h *backend.Handle) (Sink, error) {
	switch kind {
	case backend.Relational:
		db, ok := h.Session.(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("relational session is %T, want *pgxpool.Pool", h.Session)
		}
		if err := validation.ValidateIdentifier(cfg.Table); err != nil {
			return nil, fmt.Errorf("relational sink: %w", err)
		}
		return &pgxSink{db: db, table: cfg.Table}, nil

	case backend.Columnar:
		conn, ok := h.Session.(chdriver.Conn)
		if !ok {
			return nil, fmt.Errorf("columnar session is %T, want clickhouse driver.Conn", h.Session)
		}
		if err := validation.ValidateIdentifier(cfg.Table); err != nil {
			return nil, fmt.Errorf("columnar sink: %w", err)
		}
		return &clickhouseSink{conn: conn, table: cfg.Table}, nil

	case backend.TimeSeries:
		client, ok := h.Session.(influxdb2.Client)
		if !ok {
			return nil, fmt.Errorf("timeseries session is %T, want influxdb2.Client", h.Session)
		}
		if err := validation.ValidateIdentifier(cfg.Measurement); err != nil {
			return nil, fmt.Errorf("timeseries sink: %w", err)
		}
		return &influxSink{
			writer:      client.WriteAPIBlocking(cfg.Options["org"], cfg.Options["bucket"]),
			measurement: cfg.Measurement,
		}, nil

	case backend.Streaming:
		nc, ok := h.Session.(*nats.Conn)
		if !ok {
			return nil, fmt.Errorf("streaming session is %T, want *nats.Conn", h.Session)
		}
		if err := validation.ValidateSubject(cfg.Subject); err != nil {
			return nil, fmt.Errorf("streaming sink: %w", err)
		}
		return &natsSink{nc: nc, subject: cfg.Subject}, nil
	}
	return nil, fmt.Errorf("backend %s cannot act as a pipeline sink", kind)
}

// releasingSource returns the backend handle checkout when the source
// closes.
type releasingSource struct {
	Source
	release func()
}

func (s *releasingSource) Close() error {
	err := s.Source.Close()
	s.release()
	return err
}

// releasingSink returns the backend handle checkout when the sink closes.
type releasingSink struct {
	Sink
	release func()
}

func (s *releasingSink) Close() error {
	err := s.Sink.Close()
	s.release()
	return err
}

// ====== Relational ======

type pgxSource struct {
	rows pgx.Rows
}

func (s *pgxSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	values, err := s.rows.Values()
	if err != nil {
		return nil, fmt.Errorf("read row: %w", err)
	}
	fields := s.rows.FieldDescriptions()
	rec := make(Record, len(fields))
	for i, fd := range fields {
		rec[fd.Name] = values[i]
	}
	return rec, nil
}

func (s *pgxSource) Close() error {
	s.rows.Close()
	return nil
}

type pgxSink struct {
	db    *pgxpool.Pool
	table string
}

func (s *pgxSink) Write(ctx context.Context, rec Record) error {
	cols, args := orderedColumns(rec)
	// Column names come from record keys and cannot be bound as
	// parameters.
	if err := validation.ValidateIdentifiers(cols); err != nil {
		return err
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

func (s *pgxSink) Close() error { return nil }

// ====== Columnar ======

type clickhouseSink struct {
	conn  chdriver.Conn
	table string
}

func (s *clickhouseSink) Write(ctx context.Context, rec Record) error {
	cols, args := orderedColumns(rec)
	if err := validation.ValidateIdentifiers(cols); err != nil {
		return err
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if err := s.conn.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

func (s *clickhouseSink) Close() error { return nil }

// ====== Time series ======

type influxSink struct {
	writer      influxapi.WriteAPIBlocking
	measurement string
}

func (s *influxSink) Write(ctx context.Context, rec Record) error {
	ts := time.Now()
	if raw, ok := rec["timestamp"]; ok {
		if t, ok := raw.(time.Time); ok {
			ts = t
		}
	}
	fields := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "timestamp" {
			continue
		}
		fields[k] = v
	}
	p := influxdb2.NewPoint(s.measurement, nil, fields, ts)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write point to %s: %w", s.measurement, err)
	}
	return nil
}

func (s *influxSink) Close() error { return nil }

// ====== Streaming ======

type natsSource struct {
	sub *nats.Subscription
}

func (s *natsSource) Next(ctx context.Context) (Record, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode message on %s: %w", msg.Subject, err)
	}
	return rec, nil
}

func (s *natsSource) Close() error {
	return s.sub.Unsubscribe()
}

type natsSink struct {
	nc      *nats.Conn
	subject string
}

func (s *natsSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

func (s *natsSink) Close() error { return nil }

// orderedColumns returns a record's keys sorted with matching values, so
// generated statements are deterministic.
func orderedColumns(rec Record) ([]string, []any) {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	return cols, args
}
