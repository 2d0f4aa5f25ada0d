// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backend defines the backend kinds the data plane depends on and
// the connect/ping/close adapters used by the pool manager.
//
// The set of kinds is fixed: relational (PostgreSQL), columnar (ClickHouse),
// timeseries (QuestDB over influx line protocol), streaming (NATS), and
// cache (Redis). New kinds are a code change, not a runtime extension.
package backend

import "fmt"

// Kind identifies one of the five external backend systems.
type Kind int

const (
	// Relational is the PostgreSQL system-of-record (pipelines, logs, metrics).
	Relational Kind = iota

	// Columnar is the ClickHouse analytics store.
	Columnar

	// TimeSeries is the QuestDB ingestion store.
	TimeSeries

	// Streaming is the NATS message bus.
	Streaming

	// Cache is the Redis cache and rate-limit store.
	Cache
)

// Kinds lists every backend kind, in initialization order.
var Kinds = []Kind{Relational, Columnar, TimeSeries, Streaming, Cache}

// String returns the lowercase name used in logs, metrics labels,
// and recovery operation names.
func (k Kind) String() string {
	switch k {
	case Relational:
		return "relational"
	case Columnar:
		return "columnar"
	case TimeSeries:
		return "timeseries"
	case Streaming:
		return "streaming"
	case Cache:
		return "cache"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a kind name back to its Kind value.
//
// # Outputs
//
//   - Kind: The parsed kind.
//   - error: Non-nil if the name is not one of the five known kinds.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown backend kind %q", name)
}
