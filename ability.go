package ability

import (
	"github.com/oarkflow/ability/utils"
)

// ============================================================================
// ABILITY
// ============================================================================

type compiledRule struct {
	rule       *PermissionRule
	conditions map[string]any // normalized
}

// Ability is the ordered, compiled rule set for one check. Later rules
// override earlier ones; it is never cached across checks.
type Ability struct {
	rules []compiledRule
}

// BuildAbility compiles rules in order. Nil and disabled rules are skipped.
// Conditions that cannot be normalized make the rule unmatchable.
func BuildAbility(rules []*PermissionRule) *Ability {
	a := &Ability{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r == nil || r.Disabled {
			continue
		}
		cr := compiledRule{rule: r}
		if r.hasConditions() {
			cond, err := utils.NormalizeMap(r.Conditions)
			if err != nil {
				continue
			}
			cr.conditions = cond
		}
		a.rules = append(a.rules, cr)
	}
	return a
}

// Rules returns the compiled rules in order.
func (a *Ability) Rules() []*PermissionRule {
	out := make([]*PermissionRule, len(a.rules))
	for i, cr := range a.rules {
		out[i] = cr.rule
	}
	return out
}

// RulesFor returns the rules whose action and subject match, ignoring
// conditions, in order.
func (a *Ability) RulesFor(action, subject string) []*PermissionRule {
	var out []*PermissionRule
	for _, cr := range a.rules {
		if cr.rule.matchesAction(action) && cr.rule.matchesSubject(subject) {
			out = append(out, cr.rule)
		}
	}
	return out
}

// RelevantRule returns the last rule matching action, subject and instance,
// or nil.
func (a *Ability) RelevantRule(action, subject string, instance any) *PermissionRule {
	inst, err := utils.NormalizeMap(instance)
	if err != nil {
		return nil
	}
	return a.relevant(action, subject, inst)
}

func (a *Ability) relevant(action, subject string, inst map[string]any) *PermissionRule {
	var last *PermissionRule
	for _, cr := range a.rules {
		if !cr.rule.matchesAction(action) || !cr.rule.matchesSubject(subject) {
			continue
		}
		if cr.conditions != nil && !utils.MatchDocument(cr.conditions, inst) {
			continue
		}
		last = cr.rule
	}
	return last
}

// Can reports whether the last matching rule allows action on instance.
func (a *Ability) Can(action, subject string, instance any) bool {
	r := a.RelevantRule(action, subject, instance)
	return r != nil && !r.Inverted
}

func (a *Ability) Cannot(action, subject string, instance any) bool {
	return !a.Can(action, subject, instance)
}

// ThrowUnlessCan returns a *ForbiddenError unless Can holds. An instance that
// is not an object is a *ValidationError.
func (a *Ability) ThrowUnlessCan(action, subject string, instance any) error {
	inst, err := utils.NormalizeMap(instance)
	if err != nil {
		return &ValidationError{Field: "instance", Msg: err.Error()}
	}
	r := a.relevant(action, subject, inst)
	if r == nil {
		return &ForbiddenError{Action: action, Subject: subject}
	}
	if r.Inverted {
		return &ForbiddenError{Action: action, Subject: subject, Reason: r.Reason}
	}
	return nil
}

// CanPartial answers "could the user act on some instance of subject".
// Conditions are ignored, except that a conditional forbid rule cannot rule
// out every instance and is skipped.
func (a *Ability) CanPartial(action, subject string) bool {
	for i := len(a.rules) - 1; i >= 0; i-- {
		r := a.rules[i].rule
		if !r.matchesAction(action) || !r.matchesSubject(subject) {
			continue
		}
		if r.Inverted && r.hasConditions() {
			continue
		}
		return !r.Inverted
	}
	return false
}
