// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the relational adapter.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MinConns and MaxConns bound the underlying pgx pool.
	MinConns int32
	MaxConns int32
}

// PostgresAdapter connects the Relational kind to PostgreSQL via pgxpool.
type PostgresAdapter struct {
	cfg PostgresConfig
}

// NewPostgresAdapter creates the relational adapter.
func NewPostgresAdapter(cfg PostgresConfig) *PostgresAdapter {
	return &PostgresAdapter{cfg: cfg}
}

// Kind reports Relational.
func (a *PostgresAdapter) Kind() Kind { return Relational }

// Connect opens a pgx pool and verifies it with one round trip.
func (a *PostgresAdapter) Connect(ctx context.Context) (any, error) {
	poolCfg, err := pgxpool.ParseConfig(a.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if a.cfg.MinConns > 0 {
		poolCfg.MinConns = a.cfg.MinConns
	}
	if a.cfg.MaxConns > 0 {
		poolCfg.MaxConns = a.cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Ping runs a trivial round trip against the pool.
func (a *PostgresAdapter) Ping(ctx context.Context, session any) error {
	pool, ok := session.(*pgxpool.Pool)
	if !ok {
		return fmt.Errorf("postgres session has unexpected type %T", session)
	}
	return pool.Ping(ctx)
}

// Close releases the pool.
func (a *PostgresAdapter) Close(session any) error {
	if pool, ok := session.(*pgxpool.Pool); ok {
		pool.Close()
	}
	return nil
}
