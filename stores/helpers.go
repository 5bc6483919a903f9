package stores

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/oarkflow/date"
	"github.com/pkg/errors"

	"github.com/oarkflow/ability"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlNullTimeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// scanTime converts whatever the driver returned for a TIMESTAMP column.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RoleSource resolves roles and rules by id.
type RoleSource interface {
	GetRole(ctx context.Context, id string) (*ability.Role, error)
	GetRule(ctx context.Context, id string) (*ability.PermissionRule, error)
}

// resolveRules expands roleIDs, in order, into the enabled rules of their
// ACTIVE roles. Missing roles are skipped; missing rules are an error.
func resolveRules(ctx context.Context, src RoleSource, roleIDs []string) ([]*ability.PermissionRule, error) {
	out := make([]*ability.PermissionRule, 0)
	for _, roleID := range roleIDs {
		role, err := src.GetRole(ctx, roleID)
		if err != nil {
			var nf *ability.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		if !role.Active() {
			continue
		}
		for _, ruleID := range role.Rules {
			rule, err := src.GetRule(ctx, ruleID)
			if err != nil {
				return nil, errors.Wrapf(err, "role %s", roleID)
			}
			if rule.Disabled {
				continue
			}
			out = append(out, rule)
		}
	}
	return out, nil
}
