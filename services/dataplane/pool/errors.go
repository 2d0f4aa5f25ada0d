// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/dataplane/services/dataplane/backend"
)

// ErrExhausted is wrapped into the error returned when an acquire times out
// waiting for a healthy handle. It is surfaced to the caller, never retried
// here.
var ErrExhausted = errors.New("pool exhausted")

// UnavailableError reports that a backend kind could not be reached after
// the configured initialization attempts.
type UnavailableError struct {
	Kind backend.Kind
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
