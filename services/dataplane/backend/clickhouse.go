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
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig configures the columnar adapter.
type ClickHouseConfig struct {
	// Addr is host:port of the ClickHouse native interface.
	Addr     string
	Database string
	Username string
	Password string

	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration
}

// ClickHouseAdapter connects the Columnar kind to ClickHouse.
type ClickHouseAdapter struct {
	cfg ClickHouseConfig
}

// NewClickHouseAdapter creates the columnar adapter.
func NewClickHouseAdapter(cfg ClickHouseConfig) *ClickHouseAdapter {
	return &ClickHouseAdapter{cfg: cfg}
}

// Kind reports Columnar.
func (a *ClickHouseAdapter) Kind() Kind { return Columnar }

// Connect opens a native-protocol connection and pings it.
func (a *ClickHouseAdapter) Connect(ctx context.Context) (any, error) {
	dialTimeout := a.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{a.cfg.Addr},
		Auth: clickhouse.Auth{
			Database: a.cfg.Database,
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return conn, nil
}

// Ping verifies the connection.
func (a *ClickHouseAdapter) Ping(ctx context.Context, session any) error {
	conn, ok := session.(driver.Conn)
	if !ok {
		return fmt.Errorf("clickhouse session has unexpected type %T", session)
	}
	return conn.Ping(ctx)
}

// Close releases the connection.
func (a *ClickHouseAdapter) Close(session any) error {
	if conn, ok := session.(driver.Conn); ok {
		return conn.Close()
	}
	return nil
}
