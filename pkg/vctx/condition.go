package vctx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a step's condition string against the current
// view (spec §4.4 step 3). Supported forms:
//
//	filter-passed(id)   — id ran and emitted no error diagnostics
//	filter-failed(id)   — id ran and emitted >=1 error diagnostic
//	field-exists(path)  — dotted path resolves in the parsed invoice
//
// An empty condition is always true. An unrecognized condition form is
// treated as false (fail closed, matching the orchestrator's "record
// skipped and continue" behavior on any false condition).
func EvalCondition(v *View, condition string) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	if arg, ok := extractCall(condition, "filter-passed"); ok {
		r, found := v.GetStepResult(arg)
		return found && r.Execution == "ran" && !r.HasErrorDiagnostic()
	}
	if arg, ok := extractCall(condition, "filter-failed"); ok {
		r, found := v.GetStepResult(arg)
		return found && r.Execution == "ran" && r.HasErrorDiagnostic()
	}
	if arg, ok := extractCall(condition, "field-exists"); ok {
		return fieldExists(v.ParsedInvoice(), arg)
	}
	return false
}

func extractCall(condition, name string) (string, bool) {
	prefix := name + "("
	if !strings.HasPrefix(condition, prefix) || !strings.HasSuffix(condition, ")") {
		return "", false
	}
	return strings.TrimSpace(condition[len(prefix) : len(condition)-1]), true
}

// fieldExists resolves a dotted path (e.g. "header.buyerReference" or
// "lineItems.0.description") against inv by round-tripping it through JSON,
// matching the dynamic-config philosophy of spec §9 ("schema-less ordered
// key/value map at the boundary").
func fieldExists(inv interface{}, path string) bool {
	if inv == nil || path == "" {
		return false
	}
	b, err := json.Marshal(inv)
	if err != nil {
		return false
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return false
	}

	cur := generic
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			cur = node[idx]
		default:
			return false
		}
	}
	return !isEmptyValue(cur)
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// ensure fmt import is used even if future edits trim branches above.
var _ = fmt.Sprintf
