// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by AuthProvider implementations when a
// token is missing, expired, or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to an authenticated request.
type AuthInfo struct {
	// UserID uniquely identifies the caller.
	UserID string

	// Roles are the caller's role names, e.g. "admin", "operator".
	Roles []string
}

// HasRole reports whether the identity carries the named role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; Validate is called on
// every request.
type AuthProvider interface {
	// Validate checks a bearer token and returns the caller's identity.
	// A missing or invalid token returns ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a local admin. This is the
// open source default, so the service works with no identity
// infrastructure.
type NopAuthProvider struct{}

// Validate always succeeds with the local admin identity.
func (NopAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

var _ AuthProvider = NopAuthProvider{}
