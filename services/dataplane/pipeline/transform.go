// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
)

// Record is one unit of work moving through a pipeline.
type Record map[string]any

// clone copies a record so transforms never mutate the source's buffer.
func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TransformRule is one declarative record transformation. Exactly one
// operation applies per rule.
type TransformRule struct {
	// Op is the operation: "rename", "drop", "set", or "keep".
	Op string `json:"op" yaml:"op"`

	// Field is the field the rule acts on (rename, drop, set).
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// To is the new name for rename.
	To string `json:"to,omitempty" yaml:"to,omitempty"`

	// Value is the literal for set.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Fields is the allow-list for keep.
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// ValidateRules rejects malformed rules up front, so a bad definition
// fails at pipeline start rather than on the first record.
func ValidateRules(rules []TransformRule) error {
	for i, r := range rules {
		switch r.Op {
		case "rename":
			if r.Field == "" || r.To == "" {
				return fmt.Errorf("transform rule %d: rename needs field and to", i)
			}
		case "drop", "set":
			if r.Field == "" {
				return fmt.Errorf("transform rule %d: %s needs field", i, r.Op)
			}
		case "keep":
			if len(r.Fields) == 0 {
				return fmt.Errorf("transform rule %d: keep needs fields", i)
			}
		default:
			return fmt.Errorf("transform rule %d: unknown op %q", i, r.Op)
		}
	}
	return nil
}

// ApplyRules runs every rule in order against a copy of the record.
func ApplyRules(rules []TransformRule, rec Record) Record {
	if len(rules) == 0 {
		return rec
	}
	out := rec.clone()
	for _, r := range rules {
		switch r.Op {
		case "rename":
			if v, ok := out[r.Field]; ok {
				delete(out, r.Field)
				out[r.To] = v
			}
		case "drop":
			delete(out, r.Field)
		case "set":
			out[r.Field] = r.Value
		case "keep":
			kept := make(Record, len(r.Fields))
			for _, f := range r.Fields {
				if v, ok := out[f]; ok {
					kept[f] = v
				}
			}
			out = kept
		}
	}
	return out
}
