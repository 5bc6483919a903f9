package utils

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Normalize converts v into the JSON value space: map[string]any, []any,
// float64, string, bool and nil. Structs and typed maps go through a JSON
// round trip so that struct tags decide the field names.
func Normalize(v any) (any, error) {
	switch vv := v.(type) {
	case nil, string, bool, float64:
		return vv, nil
	case int:
		return float64(vv), nil
	case int32:
		return float64(vv), nil
	case int64:
		return float64(vv), nil
	case uint:
		return float64(vv), nil
	case uint32:
		return float64(vv), nil
	case uint64:
		return float64(vv), nil
	case float32:
		return float64(vv), nil
	case json.Number:
		f, err := vv.Float64()
		if err != nil {
			return vv.String(), nil
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, x := range vv {
			n, err := Normalize(x)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(vv))
		for i, x := range vv {
			n, err := Normalize(x)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeMap is Normalize for values that must decode to an object.
// nil yields an empty map.
func NormalizeMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		if n == nil {
			return map[string]any{}, nil
		}
		return nil, &json.UnsupportedTypeError{Type: reflect.TypeOf(v)}
	}
	return m, nil
}

// MatchDocument reports whether conditions is a sub-document of instance.
// Both sides must already be normalized. Every key of an object condition
// must be present with an equal value; nested objects recurse, arrays and
// scalars compare strictly. A nil condition value matches a missing key.
func MatchDocument(conditions, instance any) bool {
	cond, ok := conditions.(map[string]any)
	if !ok {
		return Equal(conditions, instance)
	}
	inst, _ := instance.(map[string]any)
	for k, want := range cond {
		got, present := inst[k]
		if !present {
			got = nil
		}
		switch w := want.(type) {
		case map[string]any:
			if _, isMap := got.(map[string]any); !isMap {
				return false
			}
			if !MatchDocument(w, got) {
				return false
			}
		default:
			if !Equal(w, got) {
				return false
			}
		}
	}
	return true
}

// Equal compares two normalized values.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Lookup resolves a dotted path inside a normalized document.
func Lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
