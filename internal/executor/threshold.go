package executor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Threshold severities. A critical failure makes the whole check fail; a
// warning-only failure keeps the check ok with a severity marker.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ErrBadPath is returned for paths outside the supported grammar or paths
// that do not resolve in the document.
var ErrBadPath = errors.New("threshold path did not resolve")

// Rule is one threshold applied to a JSON document.
type Rule struct {
	Path     string  `json:"path"`
	Op       string  `json:"op"`
	Value    float64 `json:"value"`
	Severity string  `json:"severity"`
}

// RuleFailure describes one rule that did not hold, with the value actually
// observed (nil when the path failed to resolve).
type RuleFailure struct {
	Rule   Rule
	Actual any
	Reason string
}

func (f RuleFailure) payload() map[string]any {
	entry := map[string]any{
		"path":     f.Rule.Path,
		"op":       f.Rule.Op,
		"value":    f.Rule.Value,
		"severity": f.Rule.Severity,
	}

	if f.Actual != nil {
		entry["actual"] = f.Actual
	}

	if f.Reason != "" {
		entry["reason"] = f.Reason
	}

	return entry
}

// EvaluateRules applies every rule to the document and returns the failures,
// critical and warning separated. A rule whose path does not resolve or whose
// value is not numeric counts as failed at its own severity.
func EvaluateRules(doc any, rules []Rule) (critical, warning []RuleFailure) {
	for _, rule := range rules {
		severity := rule.Severity
		if severity == "" {
			severity = SeverityCritical
			rule.Severity = severity
		}

		failure, failed := evaluateRule(doc, rule)
		if !failed {
			continue
		}

		if severity == SeverityWarning {
			warning = append(warning, failure)
		} else {
			critical = append(critical, failure)
		}
	}

	return critical, warning
}

// FailurePayloads converts failures to the payload representation.
func FailurePayloads(failures []RuleFailure) []map[string]any {
	entries := make([]map[string]any, len(failures))
	for i, failure := range failures {
		entries[i] = failure.payload()
	}

	return entries
}

func evaluateRule(doc any, rule Rule) (RuleFailure, bool) {
	resolved, err := ResolvePath(doc, rule.Path)
	if err != nil {
		return RuleFailure{Rule: rule, Reason: err.Error()}, true
	}

	actual, ok := asNumber(resolved)
	if !ok {
		return RuleFailure{
			Rule:   rule,
			Actual: resolved,
			Reason: "value is not numeric",
		}, true
	}

	holds, err := compare(actual, rule.Op, rule.Value)
	if err != nil {
		return RuleFailure{Rule: rule, Actual: actual, Reason: err.Error()}, true
	}

	if holds {
		return RuleFailure{}, false
	}

	return RuleFailure{Rule: rule, Actual: actual}, true
}

func compare(actual float64, op string, expected float64) (bool, error) {
	switch op {
	case "<":
		return actual < expected, nil
	case "<=", "≤":
		return actual <= expected, nil
	case ">":
		return actual > expected, nil
	case ">=", "≥":
		return actual >= expected, nil
	case "==":
		return actual == expected, nil
	case "!=", "≠":
		return actual != expected, nil
	}

	return false, fmt.Errorf("unsupported operator %q", op)
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}

		return 0, true
	}

	return 0, false
}

// ResolvePath walks a decoded JSON document along a path in the closed
// grammar: `$`, `$.field`, `$.field.sub`, `$.items.0.value`,
// `$.items[0].value`. No wildcards, no escaped dots.
func ResolvePath(doc any, path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	current := doc

	for _, segment := range segments {
		if segment.isIndex {
			list, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q indexes a non-array", ErrBadPath, path)
			}

			if segment.index < 0 || segment.index >= len(list) {
				return nil, fmt.Errorf("%w: index %d out of range in %q", ErrBadPath, segment.index, path)
			}

			current = list[segment.index]

			continue
		}

		object, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q selects a field of a non-object", ErrBadPath, path)
		}

		value, ok := object[segment.field]
		if !ok {
			return nil, fmt.Errorf("%w: no field %q in %q", ErrBadPath, segment.field, path)
		}

		current = value
	}

	return current, nil
}

type pathSegment struct {
	field   string
	index   int
	isIndex bool
}

func parsePath(path string) ([]pathSegment, error) {
	if path == "$" {
		return nil, nil
	}

	if !strings.HasPrefix(path, "$.") {
		return nil, fmt.Errorf("%w: path %q must start with $", ErrBadPath, path)
	}

	var segments []pathSegment

	for _, part := range strings.Split(path[2:], ".") {
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrBadPath, path)
		}

		// `items[0]` splits into a field access plus an index.
		field := part

		var brackets []string

		for {
			open := strings.Index(field, "[")
			if open == -1 {
				break
			}

			closing := strings.Index(field, "]")
			if closing != len(field)-1 || closing <= open {
				return nil, fmt.Errorf("%w: malformed index in %q", ErrBadPath, path)
			}

			brackets = append(brackets, field[open+1:closing])
			field = field[:open]
		}

		if field != "" {
			if index, err := strconv.Atoi(field); err == nil && len(brackets) == 0 {
				// bare numeric segment: `.0` style index
				segments = append(segments, pathSegment{index: index, isIndex: true})

				continue
			}

			segments = append(segments, pathSegment{field: field})
		}

		for _, raw := range brackets {
			index, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: non-numeric index %q in %q", ErrBadPath, raw, path)
			}

			segments = append(segments, pathSegment{index: index, isIndex: true})
		}
	}

	return segments, nil
}
