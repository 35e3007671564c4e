package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// Condition is one field/operator/value check against the execution
// context. Value resolves according to ValueType: "static" (default),
// "field" (another context path), "current_user", "current_date",
// "current_datetime" or "now".
type Condition struct {
	Field     string `json:"field"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
	ValueType string `json:"value_type,omitempty"`
}

// ConditionGroup combines conditions with "and" (default) or "or" logic.
type ConditionGroup struct {
	Logic      string      `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// ConditionSet is a two-level boolean tree: groups combined by Logic,
// each group combining its conditions by its own logic. A bare JSON array
// of conditions is accepted and treated as a single AND group.
type ConditionSet struct {
	Logic  string           `json:"logic,omitempty"`
	Groups []ConditionGroup `json:"groups,omitempty"`
}

func (s *ConditionSet) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var flat []Condition
		if err := json.Unmarshal(data, &flat); err != nil {
			return err
		}
		s.Logic = "and"
		if len(flat) > 0 {
			s.Groups = []ConditionGroup{{Logic: "and", Conditions: flat}}
		}
		return nil
	}
	type alias ConditionSet
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = ConditionSet(a)
	return nil
}

// Empty reports whether there is nothing to evaluate.
func (s *ConditionSet) Empty() bool {
	if s == nil {
		return true
	}
	for _, g := range s.Groups {
		if len(g.Conditions) > 0 {
			return false
		}
	}
	return true
}

// ConditionEvaluator evaluates condition sets against a context. Time and
// actor are explicit inputs so evaluation is deterministic.
type ConditionEvaluator struct {
	clock Clock
}

func NewConditionEvaluator(clock Clock) *ConditionEvaluator {
	if clock == nil {
		clock = SystemClock
	}
	return &ConditionEvaluator{clock: clock}
}

// Evaluate returns true for an empty set. Unknown operators evaluate
// false rather than erroring; a misconfigured condition must never fire
// a workflow.
func (e *ConditionEvaluator) Evaluate(set *ConditionSet, ctx Context, actor Actor) bool {
	if set.Empty() {
		return true
	}
	results := make([]bool, 0, len(set.Groups))
	for _, group := range set.Groups {
		results = append(results, e.evaluateGroup(group, ctx, actor))
	}
	return combine(results, set.Logic)
}

func (e *ConditionEvaluator) evaluateGroup(group ConditionGroup, ctx Context, actor Actor) bool {
	if len(group.Conditions) == 0 {
		return true
	}
	results := make([]bool, 0, len(group.Conditions))
	for _, cond := range group.Conditions {
		results = append(results, e.evaluateCondition(cond, ctx, actor))
	}
	return combine(results, group.Logic)
}

func combine(results []bool, logic string) bool {
	if len(results) == 0 {
		return true
	}
	if strings.EqualFold(logic, "or") {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (e *ConditionEvaluator) evaluateCondition(cond Condition, ctx Context, actor Actor) bool {
	actual := ResolvePath(ctx, cond.Field)
	expected := e.resolveValue(cond.Value, cond.ValueType, ctx, actor)
	now := e.clock.Now()

	switch cond.Operator {
	case "equals", "eq", "==":
		return LooseEqual(actual, expected)
	case "not_equals", "neq", "!=":
		return !LooseEqual(actual, expected)
	case "greater_than", "gt", ">":
		return numCompare(actual, expected, func(a, b float64) bool { return a > b })
	case "greater_than_or_equals", "gte", ">=":
		return numCompare(actual, expected, func(a, b float64) bool { return a >= b })
	case "less_than", "lt", "<":
		return numCompare(actual, expected, func(a, b float64) bool { return a < b })
	case "less_than_or_equals", "lte", "<=":
		return numCompare(actual, expected, func(a, b float64) bool { return a <= b })

	case "contains":
		return strCompare(actual, expected, strings.Contains)
	case "not_contains":
		return !strCompare(actual, expected, strings.Contains)
	case "starts_with":
		return strCompare(actual, expected, strings.HasPrefix)
	case "ends_with":
		return strCompare(actual, expected, strings.HasSuffix)
	case "matches_pattern", "regex":
		as, aok := actual.(string)
		es, eok := expected.(string)
		if !aok || !eok {
			return false
		}
		re, err := regexp.Compile(es)
		return err == nil && re.MatchString(as)

	case "is_empty":
		return isEmpty(actual)
	case "is_not_empty":
		return !isEmpty(actual)
	case "is_null":
		return actual == nil
	case "is_not_null":
		return actual != nil

	case "in":
		return inList(expected, actual)
	case "not_in":
		return !inList(expected, actual)
	case "array_contains":
		return inList(actual, expected)
	case "array_not_contains":
		return !inList(actual, expected)
	case "array_length_equals":
		return lenCompare(actual, expected, func(a, b int) bool { return a == b })
	case "array_length_gt":
		return lenCompare(actual, expected, func(a, b int) bool { return a > b })
	case "array_length_lt":
		return lenCompare(actual, expected, func(a, b int) bool { return a < b })

	case "is_true":
		return truthy(actual)
	case "is_false":
		return !truthy(actual)

	case "date_equals":
		return dateCompare(actual, expected, func(a, b time.Time) bool { return sameDay(a, b) })
	case "date_before":
		return dateCompare(actual, expected, func(a, b time.Time) bool { return a.Before(b) })
	case "date_after":
		return dateCompare(actual, expected, func(a, b time.Time) bool { return a.After(b) })
	case "date_on_or_before":
		return dateCompare(actual, expected, func(a, b time.Time) bool { return sameDay(a, b) || a.Before(b) })
	case "date_on_or_after":
		return dateCompare(actual, expected, func(a, b time.Time) bool { return sameDay(a, b) || a.After(b) })
	case "date_between":
		return dateBetween(actual, expected)
	case "date_in_next":
		return dateWithin(actual, expected, now, true)
	case "date_in_past":
		return dateWithin(actual, expected, now, false)
	case "is_today":
		t, ok := parseTime(actual)
		return ok && sameDay(t, now)
	case "is_overdue":
		t, ok := parseTime(actual)
		return ok && t.Before(now) && !sameDay(t, now)

	case "changed_to":
		return fieldChangedTo(cond.Field, expected, ctx)
	case "changed_from":
		return fieldChangedFrom(cond.Field, expected, ctx)
	case "changed_from_to":
		return fieldChangedFromTo(cond.Field, expected, ctx)
	case "has_changed", "changed":
		return fieldChanged(cond.Field, ctx)
	case "has_not_changed":
		return !fieldChanged(cond.Field, ctx)
	case "was_empty_now_filled":
		oldVal, newVal := oldAndNew(cond.Field, ctx)
		return isEmpty(oldVal) && !isEmpty(newVal)
	case "was_filled_now_empty":
		oldVal, newVal := oldAndNew(cond.Field, ctx)
		return !isEmpty(oldVal) && isEmpty(newVal)

	case "is_current_user":
		return actor.UserID != "" && LooseEqual(actual, actor.UserID)
	case "is_not_current_user":
		return !(actor.UserID != "" && LooseEqual(actual, actor.UserID))
	case "is_record_owner":
		return isRecordOwner(actual, ctx)

	case "formula":
		return e.evaluateFormula(expected, ctx)

	default:
		return false
	}
}

func (e *ConditionEvaluator) resolveValue(value any, valueType string, ctx Context, actor Actor) any {
	switch valueType {
	case "field":
		if path, ok := value.(string); ok {
			return ResolvePath(ctx, path)
		}
		return nil
	case "current_user":
		return actor.UserID
	case "current_date":
		return DateOf(e.clock.Now())
	case "current_datetime", "now":
		return e.clock.Now().Format(time.RFC3339)
	default: // "static" or unset
		return value
	}
}

// evaluateFormula compiles and runs an expression against the raw
// context, truthiness-coercing the result. Compile or runtime errors
// evaluate false.
func (e *ConditionEvaluator) evaluateFormula(formula any, ctx Context) bool {
	src, ok := formula.(string)
	if !ok || strings.TrimSpace(src) == "" {
		return false
	}
	program, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return false
	}
	out, err := expr.Run(program, map[string]any(ctx))
	if err != nil {
		return false
	}
	return truthy(out)
}

func numCompare(actual, expected any, cmp func(a, b float64) bool) bool {
	af, aok := asFloat(actual)
	ef, eok := asFloat(expected)
	return aok && eok && cmp(af, ef)
}

func strCompare(actual, expected any, cmp func(a, b string) bool) bool {
	as, aok := actual.(string)
	es, eok := expected.(string)
	return aok && eok && cmp(strings.ToLower(as), strings.ToLower(es))
}

func lenCompare(actual, expected any, cmp func(a, b int) bool) bool {
	list, ok := actual.([]any)
	if !ok {
		return false
	}
	n, ok := asFloat(expected)
	return ok && cmp(len(list), int(n))
}

func inList(list, needle any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if LooseEqual(item, needle) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		if f, ok := asFloat(v); ok {
			return f == 0
		}
		if b, ok := v.(bool); ok {
			return !b
		}
		return false
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}

func dateCompare(actual, expected any, cmp func(a, b time.Time) bool) bool {
	a, aok := parseTime(actual)
	b, bok := parseTime(expected)
	return aok && bok && cmp(a, b)
}

func dateBetween(actual, expected any) bool {
	bounds, ok := expected.(map[string]any)
	if !ok {
		return false
	}
	a, aok := parseTime(actual)
	start, sok := parseTime(bounds["start"])
	end, eok := parseTime(bounds["end"])
	if !aok || !sok || !eok {
		return false
	}
	end = end.Add(24*time.Hour - time.Nanosecond)
	return !a.Before(start) && !a.After(end)
}

// dateWithin handles date_in_next / date_in_past with an
// {amount, unit} operand.
func dateWithin(actual, expected any, now time.Time, future bool) bool {
	spec, ok := expected.(map[string]any)
	if !ok {
		return false
	}
	amount, ok := asFloat(spec["amount"])
	if !ok {
		return false
	}
	unit, _ := spec["unit"].(string)
	var d time.Duration
	switch unit {
	case "hours":
		d = time.Duration(amount) * time.Hour
	case "weeks":
		d = time.Duration(amount) * 7 * 24 * time.Hour
	case "months":
		d = time.Duration(amount) * 30 * 24 * time.Hour
	case "years":
		d = time.Duration(amount) * 365 * 24 * time.Hour
	default: // days
		d = time.Duration(amount) * 24 * time.Hour
	}
	a, ok := parseTime(actual)
	if !ok {
		return false
	}
	if future {
		return !a.Before(now) && !a.After(now.Add(d))
	}
	return !a.After(now) && !a.Before(now.Add(-d))
}

func oldAndNew(field string, ctx Context) (any, any) {
	var oldVal any
	if oldData, ok := ctx["old_data"].(map[string]any); ok {
		oldVal = ResolvePath(oldData, field)
	}
	var newVal any
	if record, ok := ctx["record"].(map[string]any); ok {
		newVal = ResolvePath(record, field)
	}
	return oldVal, newVal
}

func fieldChanged(field string, ctx Context) bool {
	if _, ok := ctx["old_data"].(map[string]any); !ok {
		return false
	}
	oldVal, newVal := oldAndNew(field, ctx)
	return !LooseEqual(oldVal, newVal) || (oldVal == nil) != (newVal == nil)
}

func fieldChangedTo(field string, expected any, ctx Context) bool {
	oldVal, newVal := oldAndNew(field, ctx)
	return fieldChanged(field, ctx) && LooseEqual(newVal, expected) && !LooseEqual(oldVal, expected)
}

func fieldChangedFrom(field string, expected any, ctx Context) bool {
	oldVal, _ := oldAndNew(field, ctx)
	return fieldChanged(field, ctx) && LooseEqual(oldVal, expected)
}

func fieldChangedFromTo(field string, expected any, ctx Context) bool {
	spec, ok := expected.(map[string]any)
	if !ok {
		return false
	}
	oldVal, newVal := oldAndNew(field, ctx)
	return LooseEqual(oldVal, spec["from"]) && LooseEqual(newVal, spec["to"])
}

func isRecordOwner(actual any, ctx Context) bool {
	record, ok := ctx["record"].(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"owner_id", "assigned_to", "user_id"} {
		if owner, ok := record[key]; ok && owner != nil {
			return LooseEqual(actual, owner)
		}
	}
	return false
}
