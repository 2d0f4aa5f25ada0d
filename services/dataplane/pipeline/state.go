// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// transitions is the run state machine. Every state can re-enter Running;
// nothing is terminal.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusStopped, StatusCompleted, StatusFailed, StatusPaused},
	StatusStopped:   {StatusRunning, StatusFailed},
	StatusFailed:    {StatusRunning},
	StatusCompleted: {StatusRunning},
	StatusPaused:    {StatusRunning, StatusStopped, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a rejected status change, naming both
// ends.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid pipeline transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is (or wraps) a rejected status
// change.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// checkTransition returns the typed rejection for an illegal change.
func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
