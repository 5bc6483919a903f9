package ability

import (
	"sort"

	"github.com/oarkflow/ability/schema"
	"github.com/oarkflow/ability/utils"
)

// ============================================================================
// FIELD PERMISSIONS
// ============================================================================

// FieldSource expands a rule into the fields it covers. A nil result means
// every field of the subject.
type FieldSource func(rule *PermissionRule) []string

// SchemaFieldSource grants rule.Fields, or every scalar field of subject when
// the rule lists none. Without a registered schema for subject such a rule
// covers every field.
func SchemaFieldSource(src schema.Source, subject string) FieldSource {
	return func(rule *PermissionRule) []string {
		if len(rule.Fields) > 0 {
			return rule.Fields
		}
		if src == nil {
			return nil
		}
		d, ok := src.Get(subject)
		if !ok {
			return nil
		}
		return d.ScalarFields()
	}
}

// PermittedFields computes the fields action may touch on subject. Only
// update restricts fields; other actions return nil, meaning unrestricted.
//
// Rules are visited in order: a matching allow rule adds its fields, a
// matching forbid rule removes its fields. The result keeps first-grant
// order. With a nil instance conditions are ignored and conditional forbid
// rules are skipped.
//
// A nil result also comes back when an allow rule covers every field and
// nothing forbids a field afterwards. If a forbid follows, only the fields
// granted by name survive, since the rest cannot be listed.
func PermittedFields(a *Ability, action, subject string, instance any, fieldsFrom FieldSource) []string {
	if action != ActionUpdate {
		return nil
	}
	var inst map[string]any
	if instance != nil {
		n, err := utils.NormalizeMap(instance)
		if err != nil {
			return []string{}
		}
		inst = n
	}
	var order []string
	granted := map[string]bool{}
	// every: an allow rule covered all fields; narrowed: a forbid came after
	every, narrowed := false, false
	for _, cr := range a.rules {
		r := cr.rule
		if !r.matchesAction(action) || !r.matchesSubject(subject) {
			continue
		}
		if inst != nil {
			if cr.conditions != nil && !utils.MatchDocument(cr.conditions, inst) {
				continue
			}
		} else if r.Inverted && cr.conditions != nil {
			continue
		}
		fields := fieldsFrom(r)
		if fields == nil {
			if r.Inverted {
				every, narrowed = false, false
				for f := range granted {
					granted[f] = false
				}
			} else {
				every, narrowed = true, false
			}
			continue
		}
		for _, f := range fields {
			if r.Inverted {
				if granted[f] {
					granted[f] = false
				}
				narrowed = narrowed || every
				continue
			}
			if _, ok := granted[f]; !ok {
				order = append(order, f)
			}
			granted[f] = true
		}
	}
	if every && !narrowed {
		return nil
	}
	out := []string{}
	for _, f := range order {
		if granted[f] {
			out = append(out, f)
		}
	}
	return out
}

// FilterPayload keeps the keys of data listed in permitted. A nil permitted
// list keeps everything. Dropped keys are returned sorted; in strict mode
// any dropped key is a *ForbiddenError.
func FilterPayload(data map[string]any, permitted []string, strict bool) (map[string]any, []string, error) {
	if permitted == nil {
		return data, nil, nil
	}
	allowed := make(map[string]struct{}, len(permitted))
	for _, f := range permitted {
		allowed[f] = struct{}{}
	}
	kept := make(map[string]any, len(data))
	var dropped []string
	for k, v := range data {
		if _, ok := allowed[k]; ok {
			kept[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	if strict && len(dropped) > 0 {
		return nil, dropped, &ForbiddenError{Action: ActionUpdate, Fields: dropped, Reason: "fields not permitted"}
	}
	return kept, dropped, nil
}
