package filter

import (
	"fmt"
	"strings"
)

// BuildSearch distributes whitespace-separated tokens of term over fields:
//
//	1 token:  OR over every field
//	2 tokens: AND(OR(fields[0], fields[1]) on t0, OR(fields[1:]) on t1)
//	3 tokens: AND(fields[0] on t0, fields[1] on t1, fields[2] on t2)
//
// Tokens past the third are folded into the third. When fewer fields than
// positions are given the last field is reused. Dotted fields nest as to-one
// relations; use Builder.BuildSearch for schema-aware nesting.
func BuildSearch(term string, fields []string) Predicate {
	p, _ := buildSearch(term, fields, func(field, token string) (map[string]any, error) {
		return nestDotted(field, containsCond(token)), nil
	})
	return p
}

// BuildSearch is the schema-aware variant: fields are resolved on subject
// the same way filter clauses are, so to-many relations are wrapped in
// "some". Unresolvable fields are a ValidationError. Non-string fields are
// compared for equality with the token converted to the field's type; a
// token that does not convert skips that field.
func (b *Builder) BuildSearch(term, subject string, fields []string) (Predicate, error) {
	desc, ok := b.schemas.Get(subject)
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("unknown subject %q", subject)}
	}
	return buildSearch(term, fields, func(field, token string) (map[string]any, error) {
		path, ok := b.resolve(desc, field)
		if !ok {
			return nil, &ValidationError{Field: field, Msg: "unknown search field on " + desc.Name}
		}
		var cond map[string]any
		if path.leaf.IsString() {
			cond = containsCond(token)
		} else {
			v, err := coerce(path.leaf.Type, token)
			if err != nil {
				return nil, nil
			}
			cond = map[string]any{string(Equals): v}
		}
		return path.wrap(map[string]any{path.leaf.Name: cond}), nil
	})
}

// termFn returns the condition for one field and token; nil skips the field.
type termFn func(field, token string) (map[string]any, error)

func buildSearch(term string, fields []string, match termFn) (Predicate, error) {
	tokens := strings.Fields(term)
	if len(tokens) == 0 || len(fields) == 0 {
		return Predicate{}, nil
	}
	if len(tokens) > 3 {
		tokens = append(tokens[:2:2], strings.Join(tokens[2:], " "))
	}
	orOver := func(fs []string, token string) (Predicate, error) {
		parts := make([]Predicate, 0, len(fs))
		for _, f := range fs {
			m, err := match(f, token)
			if err != nil {
				return nil, err
			}
			if m != nil {
				parts = append(parts, Predicate(m))
			}
		}
		return Predicate{keyOr: toAnySlice(parts)}, nil
	}

	switch len(tokens) {
	case 1:
		return orOver(fields, tokens[0])
	case 2:
		head := fields
		if len(head) > 2 {
			head = head[:2]
		}
		tail := fields[len(fields)-1:]
		if len(fields) > 1 {
			tail = fields[1:]
		}
		first, err := orOver(head, tokens[0])
		if err != nil {
			return nil, err
		}
		second, err := orOver(tail, tokens[1])
		if err != nil {
			return nil, err
		}
		return Predicate{keyAnd: []any{map[string]any(first), map[string]any(second)}}, nil
	}
	parts := make([]any, 0, 3)
	for i, token := range tokens {
		f := fields[min(i, len(fields)-1)]
		m, err := match(f, token)
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = Nothing()
		}
		parts = append(parts, m)
	}
	return Predicate{keyAnd: parts}, nil
}

func containsCond(token string) map[string]any {
	return map[string]any{string(Contains): token, keyMode: modeInsensitive}
}

func nestDotted(field string, cond map[string]any) map[string]any {
	parts := strings.Split(field, ".")
	out := map[string]any{parts[len(parts)-1]: cond}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}

func toAnySlice(ps []Predicate) []any {
	out := make([]any, len(ps))
	for i, p := range ps {
		out[i] = map[string]any(p)
	}
	return out
}
