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

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the streaming adapter.
type NATSConfig struct {
	// URL is the server URL; a token may be embedded (nats://token@host:4222).
	URL   string
	Token string

	// ConnectTimeout bounds the initial dial. Zero means 5s.
	ConnectTimeout time.Duration

	// MaxReconnects and ReconnectWait tune the client's own reconnect loop,
	// which runs underneath the pool manager's health checks.
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSAdapter connects the Streaming kind to NATS.
type NATSAdapter struct {
	cfg NATSConfig
}

// NewNATSAdapter creates the streaming adapter.
func NewNATSAdapter(cfg NATSConfig) *NATSAdapter {
	return &NATSAdapter{cfg: cfg}
}

// Kind reports Streaming.
func (a *NATSAdapter) Kind() Kind { return Streaming }

// Connect dials the NATS server.
func (a *NATSAdapter) Connect(ctx context.Context) (any, error) {
	timeout := a.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reconnectWait := a.cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = time.Second
	}

	opts := []nats.Option{
		nats.Name("dataplane"),
		nats.Timeout(timeout),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
	}
	if a.cfg.Token != "" {
		opts = append(opts, nats.Token(a.cfg.Token))
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Ping flushes the connection, which performs a PING round trip.
func (a *NATSAdapter) Ping(ctx context.Context, session any) error {
	nc, ok := session.(*nats.Conn)
	if !ok {
		return fmt.Errorf("nats session has unexpected type %T", session)
	}
	if !nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", nc.Status())
	}
	return nc.FlushWithContext(ctx)
}

// Close drains the connection so in-flight messages are delivered first.
func (a *NATSAdapter) Close(session any) error {
	nc, ok := session.(*nats.Conn)
	if !ok || nc.IsClosed() {
		return nil
	}
	return nc.Drain()
}
