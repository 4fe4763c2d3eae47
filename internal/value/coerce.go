package value

import (
	"math"
	"strconv"
)

// Coerce converts a value to a float64 where a numeric reading exists:
// Numbers convert directly, Strings parse as decimal numbers. Everything
// else (and non-finite results) reports false.
func Coerce(v Value) (float64, bool) {
	switch val := v.(type) {
	case Number:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case String:
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsString returns the string form of a String value; false otherwise.
func AsString(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// AsBool returns the boolean form of a Bool value; false otherwise.
func AsBool(v Value) (bool, bool) {
	b, ok := v.(Bool)
	return bool(b), ok
}
