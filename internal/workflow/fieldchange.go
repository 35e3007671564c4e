package workflow

import (
	"reflect"
	"strconv"
	"strings"
)

// HasMatchingChange reports whether any watched field changed between
// oldData and newData in the way the change type requires. Fields whose
// value did not actually change are skipped; the first watched field that
// satisfies the configured change type short-circuits the scan.
func HasMatchingChange(watched []string, changeType ChangeType, fromValue, toValue any, newData, oldData map[string]any) bool {
	if len(watched) == 0 || newData == nil || oldData == nil {
		return false
	}
	for _, field := range watched {
		oldVal := ResolvePath(oldData, field)
		newVal := ResolvePath(newData, field)
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		var matches bool
		switch changeType {
		case ChangeFromValue:
			matches = LooseEqual(oldVal, fromValue)
		case ChangeToValue:
			matches = LooseEqual(newVal, toValue)
		case ChangeFromTo:
			matches = LooseEqual(oldVal, fromValue) && LooseEqual(newVal, toValue)
		default: // ChangeAny
			matches = true
		}
		if matches {
			return true
		}
	}
	return false
}

// ResolvePath walks a dot path into nested map data. Missing segments
// resolve to nil.
func ResolvePath(data map[string]any, path string) any {
	var value any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value, ok = m[key]
		if !ok {
			return nil
		}
	}
	return value
}

// LooseEqual compares an actual value against an expected operand with
// the coercion rules trigger configs rely on: a nil expectation only
// matches nil, strings compare case-insensitively, anything numeric on
// both sides compares as float64, a boolean expectation coerces the
// actual value to its truthiness, and everything else compares strictly.
func LooseEqual(actual, expected any) bool {
	if expected == nil {
		return actual == nil
	}
	if as, ok := actual.(string); ok {
		if es, ok := expected.(string); ok {
			return strings.EqualFold(as, es)
		}
	}
	if af, ok := asFloat(actual); ok {
		if ef, ok := asFloat(expected); ok {
			return af == ef
		}
	}
	if eb, ok := expected.(bool); ok {
		return truthy(actual) == eb
	}
	return reflect.DeepEqual(actual, expected)
}

// asFloat accepts native numeric types and numeric strings.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// truthy follows loose boolean coercion: for strings only "" and "0"
// are false, so "false" counts as true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}

// ChangedFields returns the top-level keys whose values differ between
// old and new data, with their before/after values.
func ChangedFields(newData, oldData map[string]any) map[string][2]any {
	if newData == nil || oldData == nil {
		return nil
	}
	changed := map[string][2]any{}
	for key, newVal := range newData {
		oldVal := oldData[key]
		if !reflect.DeepEqual(oldVal, newVal) {
			changed[key] = [2]any{oldVal, newVal}
		}
	}
	for key, oldVal := range oldData {
		if _, ok := newData[key]; !ok {
			changed[key] = [2]any{oldVal, nil}
		}
	}
	return changed
}
