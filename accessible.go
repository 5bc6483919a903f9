package ability

import (
	"context"
	"errors"

	"github.com/oarkflow/ability/filter"
)

// ============================================================================
// ACCESSIBLE RECORDS
// ============================================================================

// AccessiblePredicate converts the rules for action on subject into a filter
// predicate selecting the instances Can would allow.
//
// Rules are read from last to first. Each conditional allow contributes its
// conditions minus the conditional forbids defined after it; the
// contributions are ORed. An unconditional allow contributes everything not
// forbidden after it and ends the scan, as does an unconditional forbid.
// Without any allow the result is filter.Nothing().
func AccessiblePredicate(a *Ability, action, subject string) filter.Predicate {
	var branches, later []filter.Predicate
	rules := a.RulesFor(action, subject)
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if r.Inverted {
			if !r.hasConditions() {
				break
			}
			later = append(later, conditionsPredicate(r.Conditions))
			continue
		}
		if !r.hasConditions() {
			if len(later) == 0 {
				return filter.Predicate{}
			}
			branches = append(branches, filter.NotAny(later...))
			break
		}
		branches = append(branches, filter.And(conditionsPredicate(r.Conditions), filter.NotAny(later...)))
	}
	if len(branches) == 0 {
		return filter.Nothing()
	}
	return filter.Or(branches...)
}

// conditionsPredicate turns a sub-document match into strict equality
// predicates; nested objects nest as to-one relations.
func conditionsPredicate(cond map[string]any) filter.Predicate {
	out := make(filter.Predicate, len(cond))
	for k, v := range cond {
		if m, ok := v.(map[string]any); ok {
			out[k] = map[string]any(conditionsPredicate(m))
			continue
		}
		out[k] = map[string]any{string(filter.Equals): v}
	}
	return out
}

// AccessibleBy returns the predicate scoping subject to what userID may
// perform action on.
func (e *Engine) AccessibleBy(ctx context.Context, userID, action, subject string) (filter.Predicate, error) {
	ab, _, err := e.LoadAbility(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	return AccessiblePredicate(ab, action, subject), nil
}

// ListAccessible lists subject rows the user may read, applying the UI list
// params on top of the access scope.
func (e *Engine) ListAccessible(ctx context.Context, userID, subject string, params filter.ListParams) (*filter.Page, error) {
	if e.persistence == nil || e.filters == nil {
		return nil, errors.New("ability: ListAccessible needs WithSchemas and WithPersistence")
	}
	scope, err := e.AccessibleBy(ctx, userID, ActionRead, subject)
	if err != nil {
		return nil, err
	}
	params.Scope = filter.And(params.Scope, scope)
	q, err := e.filters.BuildQuery(params, subject)
	if err != nil {
		return nil, err
	}
	page, err := filter.List(ctx, e.persistence, subject, q)
	if err != nil {
		return nil, classify("list "+subject, err)
	}
	return page, nil
}
