package rules

import "strings"

// Snapshot is the flattened view of the triggering entity a rule is
// evaluated against.
type Snapshot map[string]any

// matches reports whether every condition of the rule holds against the
// snapshot. Conditions are combined with logical AND; a rule without
// conditions matches unconditionally.
func matches(r Rule, snap Snapshot) bool {
	for _, c := range r.Conditions {
		if !evalCondition(c, snap) {
			return false
		}
	}
	return true
}

// evalCondition applies one typed comparison. A missing field or a type
// mismatch makes the condition false rather than erroring, so evaluation
// stays deterministic for any rule set that passed save-time validation.
func evalCondition(c Condition, snap Snapshot) bool {
	actual, ok := snap[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEqual:
		return looseEqual(actual, c.Value)
	case OpNotEqual:
		return !looseEqual(actual, c.Value)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpContains:
		a, aok := actual.(string)
		b, bok := c.Value.(string)
		return aok && bok && strings.Contains(a, b)
	case OpStartsWith:
		a, aok := actual.(string)
		b, bok := c.Value.(string)
		return aok && bok && strings.HasPrefix(a, b)
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
