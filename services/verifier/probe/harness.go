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
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// harnessPrelude loads the target module and defines the call helper.
//
// The module is loaded by file path so the harness works regardless of
// package layout; the repository root (the working directory) is put on
// sys.path first so intra-repository imports resolve. Import failures
// are reported as data, not crashes.
const harnessPrelude = `import json
import os
import sys
import traceback

sys.path.insert(0, os.getcwd())
_report = {}

def probe_call(fn, args=(), kwargs=None):
    kwargs = kwargs or {}
    try:
        value = fn(*args, **kwargs)
        return {"ok": True, "value": repr(value), "type": type(value).__name__}
    except Exception as exc:
        return {
            "ok": False,
            "exc_type": type(exc).__name__,
            "exc_msg": str(exc),
            "trace": traceback.format_exc(limit=3),
        }

try:
    import importlib.util
    _spec = importlib.util.spec_from_file_location("probe_target", %s)
    target = importlib.util.module_from_spec(_spec)
    sys.modules["probe_target"] = target
    _spec.loader.exec_module(target)
except Exception as exc:
    print(json.dumps({"import_error": "%%s: %%s" %% (type(exc).__name__, exc)}))
    sys.exit(0)

`

const harnessEpilogue = `
print(json.dumps(_report, default=str))
`

// BuildHarness assembles a complete harness script.
//
// The body runs at module level with two names in scope: "target", the
// loaded module, and "probe_call", a helper that converts any call into
// an outcome dict. The body fills "_report"; the epilogue prints it.
func BuildHarness(targetFile, body string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(harnessPrelude, PyString(targetFile)))
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString(harnessEpilogue)
	return b.String()
}

// =============================================================================
// Python Literal Rendering
// =============================================================================

// PyString renders a Go string as a quoted Python string literal.
func PyString(s string) string {
	// strconv's escaping is a compatible subset of Python's.
	return strconv.Quote(s)
}

// PyLiteral renders a Go value as a Python literal expression.
//
// Supported: nil, bool, integers, floats, string, []any, and
// map[string]any. Anything else falls back to its quoted string form.
func PyLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return formatPyFloat(val)
	case string:
		return PyString(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, PyLiteral(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", PyString(k), PyLiteral(val[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return PyString(fmt.Sprintf("%v", v))
	}
}

// formatPyFloat keeps a decimal point so Python sees a float, not an int.
func formatPyFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
