package experiment

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentContextKey is the context field consulted by the segment gate.
const SegmentContextKey = "user_segment"

// IsEligible evaluates the test's targeting rules for a user. Gates run in
// order and short-circuit: percentage rollout, segment membership, field
// conditions. Pure function, no side effects.
func IsEligible(userID string, test *Test, evalCtx map[string]any) bool {
	rules := test.Targeting

	if BucketValue(userID) >= rules.Percentage/100 {
		return false
	}

	if len(rules.Segments) > 0 {
		segment, _ := evalCtx[SegmentContextKey].(string)
		if !containsString(rules.Segments, segment) {
			return false
		}
	}

	for _, cond := range rules.Conditions {
		if !matchCondition(cond, evalCtx[cond.Field]) {
			return false
		}
	}

	return true
}

// matchCondition checks one field condition against the actual context value.
// Numeric comparisons coerce both sides to float64; everything else compares
// on string form.
func matchCondition(cond TargetingCondition, actual any) bool {
	switch cond.Operator {
	case OpEquals:
		return valueString(actual) == valueString(cond.Value)
	case OpNotEquals:
		return valueString(actual) != valueString(cond.Value)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case OpContains:
		return strings.Contains(valueString(actual), valueString(cond.Value))
	case OpIn:
		for _, member := range toSlice(cond.Value) {
			if valueString(actual) == valueString(member) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
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
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func valueString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
