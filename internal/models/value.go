package models

import (
	"fmt"
	"math"
	"strconv"
)

// AnswerValue is the decrypted value of an answer. Allowed dynamic
// types are string, bool, a numeric type (int, int64, float64),
// []string, []any and nil. Values decoded from JSON arrive as string,
// bool, float64 or []any.
type AnswerValue = any

// NumericValue returns v as a float64 when it carries a number.
// NaN is not considered numeric.
func NumericValue(v AnswerValue) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// IntValue returns v as an int when it carries a whole number.
func IntValue(v AnswerValue) (int, bool) {
	f, ok := NumericValue(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// SliceValue returns v as a generic slice when it carries an array.
func SliceValue(v AnswerValue) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// StringifyValue renders v for comparison against option values.
// Whole floats print without a decimal point so that a JSON-decoded 2
// equals the template option value 2.
func StringifyValue(v AnswerValue) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// ValueEquals compares two answer/condition values. Numbers compare
// numerically regardless of concrete type; everything else compares by
// its string rendering.
func ValueEquals(a, b any) bool {
	if af, ok := NumericValue(a); ok {
		if bf, ok := NumericValue(b); ok {
			return af == bf
		}
		return false
	}
	if _, ok := NumericValue(b); ok {
		return false
	}
	return StringifyValue(a) == StringifyValue(b)
}
