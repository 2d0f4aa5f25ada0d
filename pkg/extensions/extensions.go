// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the injection points for deployment-specific
// functionality.
//
// The open source data plane ships with no-op implementations: every
// request authenticates as a local admin and audit events are dropped.
// Hosted deployments inject real providers (token validation against an
// identity provider, audit shipping to a compliance store) without
// forking the service wiring.
package extensions

// ServiceOptions carries the injectable implementations.
//
// A zero ServiceOptions is not usable; construct with DefaultOptions and
// override via the With* builders.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on API requests.
	AuthProvider AuthProvider

	// AuditLogger receives one event per state-changing API call.
	AuditLogger AuditLogger
}

// DefaultOptions returns no-op implementations suitable for local use.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: NopAuthProvider{},
		AuditLogger:  NopAuditLogger{},
	}
}

// WithAuth returns a copy with the auth provider replaced.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with the audit logger replaced.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
