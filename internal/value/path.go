package value

import "strings"

// GetPath resolves a dotted path ("profile.plan.name") against an object.
// The second result is false when any segment is missing or a non-object is
// traversed.
func GetPath(obj Object, path string) (Value, bool) {
	if obj == nil || path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	cur := obj
	for i, seg := range segments {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return v, true
		}
		next, ok := v.(Object)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetPath returns a copy of obj with the dotted path set to v, creating
// intermediate objects as needed. Existing non-object intermediates are
// replaced. The input object is never mutated.
func SetPath(obj Object, path string, v Value) Object {
	if path == "" {
		return obj
	}
	segments := strings.Split(path, ".")
	return setPath(obj, segments, v)
}

func setPath(obj Object, segments []string, v Value) Object {
	out := make(Object, len(obj)+1)
	for k, val := range obj {
		out[k] = val
	}

	head := segments[0]
	if len(segments) == 1 {
		out[head] = v
		return out
	}

	child, _ := out[head].(Object)
	out[head] = setPath(child, segments[1:], v)
	return out
}
