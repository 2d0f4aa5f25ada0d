// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"time"
)

// Adapter abstracts the connect/ping/close lifecycle of one backend kind.
//
// # Description
//
// The pool manager is generic over kinds; each kind contributes one Adapter
// that knows how to establish a session, verify it with a cheap round trip,
// and tear it down. Adapters hold configuration only — the live session is
// owned by the pool entry that created it.
//
// # Thread Safety
//
// Adapters must be safe for concurrent use. The session values they return
// are each kind's native client (pgxpool.Pool, clickhouse driver.Conn,
// influx client, nats.Conn, redigo redis.Pool), all of which are themselves
// safe for concurrent use.
type Adapter interface {
	// Kind reports which backend this adapter serves.
	Kind() Kind

	// Connect establishes a new session. The returned value is the kind's
	// native client handle; ownership passes to the caller.
	Connect(ctx context.Context) (any, error)

	// Ping verifies a session with a trivial round trip.
	Ping(ctx context.Context, session any) error

	// Close releases a session. Must tolerate already-closed sessions.
	Close(session any) error
}

// Handle is one live session to one backend, wrapped with the bookkeeping
// the pool manager needs.
//
// # Description
//
// A Handle is created by the pool entry for its kind and never outlives the
// pool manager. Callers check a Handle out for the duration of one logical
// operation via Manager.Acquire and return it with Manager.Release; they
// must not retain the Session value past the release.
//
// # Fields
//
//   - Kind: The backend kind this handle connects to.
//   - Session: The kind's native client value (see Adapter.Connect).
//   - ConnectedAt: When the session was established.
//   - LastHealthCheck: When the session last passed a ping.
type Handle struct {
	Kind            Kind
	Session         any
	ConnectedAt     time.Time
	LastHealthCheck time.Time
}
