// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for
// security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in generated SQL statements or messaging subjects. Using these
// validators prevents injection attacks, since table and column names
// cannot be bound as statement parameters.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches safe SQL identifiers: a letter or underscore
// followed by letters, digits, or underscores, optionally schema
// qualified with a single dot. Max 128 characters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// subjectPattern matches messaging subjects: dot-separated tokens of
// letters, digits, underscores, and hyphens.
var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// ValidateIdentifier validates a table, column, or measurement name
// before it is interpolated into a generated statement.
//
// Valid identifiers:
//   - start with a letter or underscore
//   - contain only letters, digits, and underscores
//   - may carry one schema qualifier ("analytics.events")
//   - are at most 128 characters
//
// Example:
//
//	if err := validation.ValidateIdentifier(table); err != nil {
//	    return nil, fmt.Errorf("invalid table: %w", err)
//	}
//	// Safe to interpolate into an INSERT statement
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier too long: %d characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q", name)
	}
	return nil
}

// ValidateIdentifiers validates multiple identifiers, reporting every
// invalid one at once.
func ValidateIdentifiers(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateIdentifier(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// ValidateSubject validates a messaging subject before it is used for a
// publish or subscription. Wildcard tokens are rejected; the data plane
// always addresses concrete subjects.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}
	if len(subject) > 255 {
		return fmt.Errorf("subject too long: %d characters", len(subject))
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("wildcard subjects are not allowed: %q", subject)
	}
	if !subjectPattern.MatchString(subject) {
		return fmt.Errorf("invalid subject: %q", subject)
	}
	return nil
}
