package value

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"
	"time"
)

// Sanitize converts a loosely-typed property map into an Object, dropping
// entries whose values have no representation in the closed value set.
// The input map is never mutated.
func Sanitize(props map[string]any) Object {
	obj := make(Object, len(props))
	for k, v := range props {
		val, ok := SanitizeValue(v)
		if !ok {
			continue
		}
		obj[k] = val
	}
	return obj
}

// SanitizeValue converts a single dynamic value. The second result is false
// when the value has no representation and must be dropped: non-finite
// floats, functions, channels, and anything JSON cannot express.
func SanitizeValue(v any) (Value, bool) {
	switch val := v.(type) {
	case nil:
		return Null{}, true
	case Value:
		return val, true
	case bool:
		return Bool(val), true
	case string:
		return String(val), true
	case int:
		return Number(val), true
	case int8:
		return Number(val), true
	case int16:
		return Number(val), true
	case int32:
		return Number(val), true
	case int64:
		return Number(val), true
	case uint:
		return Number(val), true
	case uint8:
		return Number(val), true
	case uint16:
		return Number(val), true
	case uint32:
		return Number(val), true
	case uint64:
		return Number(val), true
	case float32:
		return sanitizeFloat(float64(val))
	case float64:
		return sanitizeFloat(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, false
		}
		return sanitizeFloat(f)
	case time.Time:
		return String(val.UTC().Format(time.RFC3339Nano)), true
	case time.Duration:
		return String(val.String()), true
	case []byte:
		// matches encoding/json, which emits []byte as base64
		return String(base64.StdEncoding.EncodeToString(val)), true
	case []any:
		return sanitizeSlice(val)
	case map[string]any:
		return Sanitize(val), true
	case []string:
		out := make(List, len(val))
		for i, s := range val {
			out[i] = String(s)
		}
		return out, true
	case []int:
		out := make(List, len(val))
		for i, n := range val {
			out[i] = Number(n)
		}
		return out, true
	case []float64:
		out := make(List, 0, len(val))
		for _, f := range val {
			fv, ok := sanitizeFloat(f)
			if !ok {
				continue
			}
			out = append(out, fv)
		}
		return out, true
	case []bool:
		out := make(List, len(val))
		for i, b := range val {
			out[i] = Bool(b)
		}
		return out, true
	case map[string]string:
		out := make(Object, len(val))
		for k, s := range val {
			out[k] = String(s)
		}
		return out, true
	default:
		return sanitizeReflect(reflect.ValueOf(v))
	}
}

func sanitizeFloat(f float64) (Value, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return Number(f), true
}

func sanitizeSlice(vals []any) (Value, bool) {
	out := make(List, 0, len(vals))
	for _, elem := range vals {
		ev, ok := SanitizeValue(elem)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out, true
}

// sanitizeReflect handles remaining kinds: typed slices and arrays, maps with
// string keys, pointers, and structs (via a JSON round trip). Everything else
// is dropped.
func sanitizeReflect(rv reflect.Value) (Value, bool) {
	if !rv.IsValid() {
		return Null{}, true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null{}, true
		}
		return SanitizeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make(List, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, ok := SanitizeValue(rv.Index(i).Interface())
			if !ok {
				continue
			}
			out = append(out, ev)
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(Object, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, ok := SanitizeValue(iter.Value().Interface())
			if !ok {
				continue
			}
			out[iter.Key().String()] = ev
		}
		return out, true
	case reflect.Struct:
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, false
		}
		v, err := Unmarshal(data)
		if err != nil {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

// Merge returns a new Object layering over on top of base; keys in over win.
// Neither input is mutated.
func Merge(base, over Object) Object {
	out := make(Object, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Filter returns a new Object containing only the entries the predicate
// keeps. A nil predicate keeps everything.
func (obj Object) Filter(keep func(key string, v Value) bool) Object {
	if keep == nil {
		return obj
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		if keep(k, v) {
			out[k] = v
		}
	}
	return out
}

// Native converts a Value back to plain Go data: nil, bool, float64,
// string, []any, or map[string]any. The inverse of SanitizeValue up to
// the numeric widening Sanitize already applied.
func Native(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(val)
	case Number:
		return float64(val)
	case String:
		return string(val)
	case List:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Native(item)
		}
		return out
	case Object:
		return val.Native()
	default:
		return nil
	}
}

// Native converts the Object and everything under it to plain Go maps and
// slices. A nil Object stays nil.
func (obj Object) Native() map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = Native(v)
	}
	return out
}
