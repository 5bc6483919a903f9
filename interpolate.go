package ability

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"
)

// ============================================================================
// CONDITION INTERPOLATION
// ============================================================================

var (
	wholePlaceholder = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	anyPlaceholder   = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// Interpolate parses data as a JSON array of rules and resolves every
// "{{path}}" placeholder in their conditions against context. A leaf that is
// exactly one placeholder takes the resolved value with its JSON type, or
// null when the path is missing; placeholders inside longer strings are
// substituted as text. Rule order is preserved.
func Interpolate(data []byte, context any) ([]*PermissionRule, error) {
	var rules []*PermissionRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, &ParseError{Err: err}
	}
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Msg: err.Error()}
	}
	out := rules[:0]
	for _, r := range rules {
		if r == nil {
			continue
		}
		if r.Conditions != nil {
			r.Conditions = interpolateValue(r.Conditions, ctxJSON).(map[string]any)
		}
		out = append(out, r)
	}
	return out, nil
}

// InterpolateRules runs in-memory rules through the same JSON pipeline as
// Interpolate, so both entry points give identical results. The input is
// left untouched.
func InterpolateRules(rules []*PermissionRule, context any) ([]*PermissionRule, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return Interpolate(data, context)
}

func interpolateValue(v any, ctxJSON []byte) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, x := range vv {
			out[k] = interpolateValue(x, ctxJSON)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, x := range vv {
			out[i] = interpolateValue(x, ctxJSON)
		}
		return out
	case string:
		return interpolateString(vv, ctxJSON)
	}
	return v
}

func interpolateString(s string, ctxJSON []byte) any {
	if m := wholePlaceholder.FindStringSubmatch(s); m != nil {
		res := gjson.GetBytes(ctxJSON, m[1])
		if !res.Exists() {
			return nil
		}
		return res.Value()
	}
	if !anyPlaceholder.MatchString(s) {
		return s
	}
	return anyPlaceholder.ReplaceAllStringFunc(s, func(tok string) string {
		m := anyPlaceholder.FindStringSubmatch(tok)
		res := gjson.GetBytes(ctxJSON, m[1])
		if !res.Exists() || res.Type == gjson.Null {
			return ""
		}
		return res.String()
	})
}
