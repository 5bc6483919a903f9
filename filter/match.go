package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// Match reports whether record satisfies pred. Relations must be embedded
// in the record: to-one as a nested object, to-many as a list of objects.
func Match(pred Predicate, record map[string]any) (bool, error) {
	return matchDoc(pred, record)
}

func matchDoc(pred map[string]any, rec map[string]any) (bool, error) {
	for k, v := range pred {
		ok, err := matchKey(k, v, rec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(k string, v any, rec map[string]any) (bool, error) {
	switch k {
	case keyAnd:
		for _, part := range asList(v) {
			ok, err := matchPart(part, rec)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case keyOr:
		for _, part := range asList(v) {
			ok, err := matchPart(part, rec)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case keyNot:
		for _, part := range asList(v) {
			ok, err := matchPart(part, rec)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	}

	got := rec[k]
	cond, isMap := asMap(v)
	if !isMap {
		return equal(got, v, false), nil
	}
	if len(cond) == 0 {
		return true, nil
	}
	if isOperatorDoc(cond) {
		return matchOps(cond, got)
	}
	if isQuantifierDoc(cond) {
		if _, nested := asMap(got); !nested {
			return matchMany(cond, got)
		}
	}
	sub, ok := asMap(got)
	if !ok {
		return false, nil
	}
	return matchDoc(cond, sub)
}

func matchPart(part any, rec map[string]any) (bool, error) {
	m, ok := asMap(part)
	if !ok {
		return false, fmt.Errorf("filter: logical operand must be an object, got %T", part)
	}
	return matchDoc(m, rec)
}

func matchMany(cond map[string]any, got any) (bool, error) {
	items := asList(got)
	for q, inner := range cond {
		sub, ok := asMap(inner)
		if !ok {
			return false, fmt.Errorf("filter: %s expects an object", q)
		}
		hits := 0
		for _, it := range items {
			rec, ok := asMap(it)
			if !ok {
				continue
			}
			m, err := matchDoc(sub, rec)
			if err != nil {
				return false, err
			}
			if m {
				hits++
			}
		}
		switch q {
		case keySome:
			if hits == 0 {
				return false, nil
			}
		case keyEvery:
			if hits != len(items) {
				return false, nil
			}
		case keyNone:
			if hits != 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchOps(cond map[string]any, got any) (bool, error) {
	ins := cond[keyMode] == modeInsensitive
	for op, want := range cond {
		if op == keyMode {
			continue
		}
		var ok bool
		switch Operator(op) {
		case Equals:
			ok = equal(got, want, ins)
		case Not:
			if nested, isMap := asMap(want); isMap {
				m, err := matchOps(nested, got)
				if err != nil {
					return false, err
				}
				ok = !m
			} else {
				ok = !equal(got, want, ins)
			}
		case Contains, StartsWith, EndsWith:
			gs, isStr := got.(string)
			ws, wantStr := want.(string)
			if !isStr || !wantStr {
				return false, nil
			}
			if ins {
				gs, ws = strings.ToLower(gs), strings.ToLower(ws)
			}
			switch Operator(op) {
			case Contains:
				ok = strings.Contains(gs, ws)
			case StartsWith:
				ok = strings.HasPrefix(gs, ws)
			default:
				ok = strings.HasSuffix(gs, ws)
			}
		case Gt, Gte, Lt, Lte:
			c, comparable := compare(got, want, ins)
			if !comparable {
				return false, nil
			}
			switch Operator(op) {
			case Gt:
				ok = c > 0
			case Gte:
				ok = c >= 0
			case Lt:
				ok = c < 0
			default:
				ok = c <= 0
			}
		case In:
			ok = containsValue(asList(want), got, ins)
		case NotIn:
			ok = !containsValue(asList(want), got, ins)
		case Has:
			ok = containsValue(asList(got), want, ins)
		case HasSome:
			items := asList(got)
			for _, w := range asList(want) {
				if containsValue(items, w, ins) {
					ok = true
					break
				}
			}
		default:
			return false, &ValidationError{Operator: Operator(op), Msg: "unknown operator"}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func isOperatorDoc(m map[string]any) bool {
	for k := range m {
		if k != keyMode && !Operator(k).Valid() {
			return false
		}
	}
	return true
}

func isQuantifierDoc(m map[string]any) bool {
	for k := range m {
		if k != keySome && k != keyEvery && k != keyNone {
			return false
		}
	}
	return true
}

func containsValue(items []any, v any, ins bool) bool {
	for _, it := range items {
		if equal(it, v, ins) {
			return true
		}
	}
	return false
}

func equal(a, b any, ins bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			if ins {
				return strings.EqualFold(as, bs)
			}
			return as == bs
		}
	}
	if c, ok := compare(a, b, ins); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two field values the way Match does: numbers, times and
// strings. ok is false when the values are not comparable.
func Compare(a, b any) (c int, ok bool) {
	return compare(a, b, false)
}

// compare orders numbers, times and strings. The second result is false
// when the values are not comparable.
func compare(a, b any, ins bool) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		at, ok1 := toTime(a)
		bt, ok2 := toTime(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		return at.Compare(bt), true
	}
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	if ok1 && ok2 {
		if ins {
			as, bs = strings.ToLower(as), strings.ToLower(bs)
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := date.Parse(t)
		return parsed, err == nil
	case []byte:
		parsed, err := date.Parse(string(t))
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Predicate:
		return m, true
	}
	return nil, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	case []Predicate:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = map[string]any(m)
		}
		return out
	case map[string]any, Predicate:
		return []any{l}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
