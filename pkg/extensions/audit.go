// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent is one state-changing API call.
type AuditEvent struct {
	// Timestamp is when the call completed.
	Timestamp time.Time

	// UserID is the authenticated caller, "" when unauthenticated.
	UserID string

	// Action is the logical operation, e.g. "pipeline.start".
	Action string

	// Resource identifies the target, e.g. a pipeline id.
	Resource string

	// Status is the resulting HTTP status code.
	Status int
}

// AuditLogger receives audit events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Record must not
// block the request path; buffer internally if delivery is slow.
type AuditLogger interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAuditLogger drops every event. Open source default.
type NopAuditLogger struct{}

// Record does nothing.
func (NopAuditLogger) Record(ctx context.Context, event AuditEvent) {}

var _ AuditLogger = NopAuditLogger{}
