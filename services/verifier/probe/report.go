// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Call Outcomes
// =============================================================================

// CallOutcome is the result of one probe_call in a harness.
type CallOutcome struct {
	OK      bool   `json:"ok"`
	Value   string `json:"value,omitempty"`
	Type    string `json:"type,omitempty"`
	ExcType string `json:"exc_type,omitempty"`
	ExcMsg  string `json:"exc_msg,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// Raised reports whether the call raised one of the given exception
// types. With no arguments it reports any raise.
func (o CallOutcome) Raised(types ...string) bool {
	if o.OK {
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if o.ExcType == t {
			return true
		}
	}
	return false
}

// Crashed reports a raise that is not a deliberate guard: anything
// other than the conventional validation exceptions.
func (o CallOutcome) Crashed() bool {
	if o.OK {
		return false
	}
	switch o.ExcType {
	case "ValueError", "TypeError", "KeyError", "AssertionError", "NotImplementedError":
		return false
	}
	return true
}

// =============================================================================
// Reports
// =============================================================================

// Report is the parsed JSON document a harness printed.
type Report struct {
	// ImportError is set when the target module failed to load; all
	// other fields are empty in that case.
	ImportError string

	raw map[string]json.RawMessage
}

// ParseReport extracts the report from harness stdout.
//
// The report is the last line that parses as a JSON object, so stray
// prints from the target module's import do not break parsing.
func ParseReport(output []byte) (*Report, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		r := &Report{raw: raw}
		if msg, ok := raw["import_error"]; ok {
			_ = json.Unmarshal(msg, &r.ImportError)
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w (got %d bytes)", ErrNoReport, len(output))
}

// Has reports whether the report carries the given key.
func (r *Report) Has(key string) bool {
	_, ok := r.raw[key]
	return ok
}

// Decode unmarshals the value under key into v.
func (r *Report) Decode(key string, v any) error {
	raw, ok := r.raw[key]
	if !ok {
		return fmt.Errorf("report has no key %q", key)
	}
	return json.Unmarshal(raw, v)
}

// Outcome decodes the value under key as a single call outcome.
func (r *Report) Outcome(key string) (CallOutcome, bool) {
	var o CallOutcome
	if err := r.Decode(key, &o); err != nil {
		return CallOutcome{}, false
	}
	return o, true
}

// Outcomes decodes the value under key as a list of call outcomes.
func (r *Report) Outcomes(key string) ([]CallOutcome, bool) {
	var list []CallOutcome
	if err := r.Decode(key, &list); err != nil {
		return nil, false
	}
	return list, true
}

// Keys returns the report's keys, unordered.
func (r *Report) Keys() []string {
	keys := make([]string, 0, len(r.raw))
	for k := range r.raw {
		keys = append(keys, k)
	}
	return keys
}
