// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"strings"

	"github.com/AleutianAI/patchprobe/services/verifier/pysrc"
)

// =============================================================================
// Signature Inference
// =============================================================================

// SignatureInferencer derives argument plans from parameter defaults,
// type annotations, and naming conventions, in that priority order.
type SignatureInferencer struct{}

// NewSignatureInferencer creates a SignatureInferencer.
func NewSignatureInferencer() *SignatureInferencer {
	return &SignatureInferencer{}
}

// Infer produces one ArgPlan per parameter.
//
// Defaults win: a declared default is the safest known-good value, and
// boundaries perturb around it. Without a default the annotation is
// consulted, then the parameter name.
func (si *SignatureInferencer) Infer(params []pysrc.Param) []ArgPlan {
	plans := make([]ArgPlan, 0, len(params))
	for _, p := range params {
		plans = append(plans, si.inferParam(p))
	}
	return plans
}

func (si *SignatureInferencer) inferParam(p pysrc.Param) ArgPlan {
	plan := ArgPlan{Param: p.Name}

	if p.HasDefault && p.Default != "" && p.Default != "None" {
		plan.Expr = p.Default
		plan.Boundaries = boundariesForDefault(p.Default)
		return plan
	}

	if expr, bounds, ok := byAnnotation(p.Annotation); ok {
		plan.Expr = expr
		plan.Boundaries = bounds
		return plan
	}

	if expr, bounds, ok := byName(p.Name); ok {
		plan.Expr = expr
		plan.Boundaries = bounds
		return plan
	}

	plan.Expr = genericValues[0]
	plan.Boundaries = genericValues[1:]
	return plan
}

// genericValues is the tier-3 value ladder, safest first.
var genericValues = []string{"0", "1", "-1", "\"\"", "None", "[]", "{}"}

// GenericPlans produces the fixed fallback plan for every parameter.
func GenericPlans(params []pysrc.Param) []ArgPlan {
	plans := make([]ArgPlan, 0, len(params))
	for _, p := range params {
		plans = append(plans, ArgPlan{
			Param:      p.Name,
			Expr:       genericValues[0],
			Boundaries: genericValues[1:],
		})
	}
	return plans
}

// boundariesForDefault perturbs a literal default around its value.
func boundariesForDefault(def string) []string {
	switch {
	case def == "True":
		return []string{"False"}
	case def == "False":
		return []string{"True"}
	case def == "[]" || def == "{}" || def == "()":
		return nil
	case strings.HasPrefix(def, "\"") || strings.HasPrefix(def, "'"):
		return []string{"\"\""}
	case isIntLiteral(def):
		return []string{"0", "-1", def + " + 1", def + " - 1"}
	case isFloatLiteral(def):
		return []string{"0.0", "-" + def, def + " * 2"}
	}
	return nil
}

// byAnnotation maps a type annotation to a plan.
func byAnnotation(ann string) (string, []string, bool) {
	// Optional[X] and "X | None" unwrap to X.
	ann = strings.TrimSpace(ann)
	if inner, ok := strings.CutPrefix(ann, "Optional["); ok {
		ann = strings.TrimSuffix(inner, "]")
	}
	if inner, ok := strings.CutSuffix(ann, " | None"); ok {
		ann = inner
	}

	switch {
	case ann == "int":
		return "1", []string{"0", "-1", "2**31 - 1"}, true
	case ann == "float":
		return "1.0", []string{"0.0", "-1.0", "1e-9", "float(\"inf\")"}, true
	case ann == "str":
		return "\"probe\"", []string{"\"\""}, true
	case ann == "bool":
		return "True", []string{"False"}, true
	case ann == "bytes":
		return "b\"probe\"", []string{"b\"\""}, true
	case ann == "list" || strings.HasPrefix(ann, "list[") || strings.HasPrefix(ann, "List["):
		return "[]", []string{"[0]"}, true
	case ann == "dict" || strings.HasPrefix(ann, "dict[") || strings.HasPrefix(ann, "Dict["):
		return "{}", nil, true
	case ann == "set" || strings.HasPrefix(ann, "set[") || strings.HasPrefix(ann, "Set["):
		return "set()", nil, true
	case ann == "tuple" || strings.HasPrefix(ann, "tuple[") || strings.HasPrefix(ann, "Tuple["):
		return "()", nil, true
	}
	return "", nil, false
}

// byName applies naming-convention heuristics.
func byName(name string) (string, []string, bool) {
	lower := strings.ToLower(name)
	switch {
	case containsAny(lower, "threshold", "rate", "ratio", "fraction", "factor"):
		return "0.5", []string{"0.0", "1.0", "-0.1", "1.1"}, true
	case containsAny(lower, "count", "size", "num", "limit", "length", "max", "min", "index"):
		return "1", []string{"0", "-1", "2**31 - 1"}, true
	case strings.HasPrefix(lower, "is_") || strings.HasPrefix(lower, "has_") ||
		containsAny(lower, "flag", "enable", "disable", "active"):
		return "True", []string{"False"}, true
	case containsAny(lower, "name", "path", "key", "label", "text", "msg", "message"):
		return "\"probe\"", []string{"\"\""}, true
	case containsAny(lower, "timeout", "delay", "interval", "seconds"):
		return "0.01", []string{"0.0"}, true
	case containsAny(lower, "items", "values", "data", "entries", "list"):
		return "[]", []string{"[0]"}, true
	}
	return "", nil, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isIntLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isFloatLiteral(s string) bool {
	if s == "" || !strings.ContainsAny(s, ".eE") {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
			if dot {
				return false
			}
			dot = true
		case r == '-' || r == '+':
			if i != 0 && s[i-1] != 'e' && s[i-1] != 'E' {
				return false
			}
		case r == 'e' || r == 'E':
		default:
			return false
		}
	}
	return true
}
