package filter

import "fmt"

// Predicate is a storage-agnostic filter document.
type Predicate map[string]any

// IsEmpty reports whether the predicate constrains nothing.
func (p Predicate) IsEmpty() bool { return len(p) == 0 }

type Operator string

const (
	Equals     Operator = "equals"
	Not        Operator = "not"
	Contains   Operator = "contains"
	StartsWith Operator = "startsWith"
	EndsWith   Operator = "endsWith"
	Gt         Operator = "gt"
	Gte        Operator = "gte"
	Lt         Operator = "lt"
	Lte        Operator = "lte"
	In         Operator = "in"
	NotIn      Operator = "notIn"
	Has        Operator = "has"
	HasSome    Operator = "hasSome"
)

const (
	keyAnd   = "AND"
	keyOr    = "OR"
	keyNot   = "NOT"
	keyMode  = "mode"
	keySome  = "some"
	keyEvery = "every"
	keyNone  = "none"

	modeInsensitive = "insensitive"
)

var operators = map[Operator]bool{
	Equals: true, Not: true, Contains: true, StartsWith: true, EndsWith: true,
	Gt: true, Gte: true, Lt: true, Lte: true, In: true, NotIn: true,
	Has: true, HasSome: true,
}

func (o Operator) Valid() bool { return operators[o] }

// textual operators only make sense on string fields
func (o Operator) textual() bool {
	return o == Contains || o == StartsWith || o == EndsWith
}

func (o Operator) ordered() bool {
	return o == Gt || o == Gte || o == Lt || o == Lte
}

func (o Operator) multi() bool {
	return o == In || o == NotIn || o == HasSome
}

// Clause is one UI filter condition. Field may be dotted to reach into a
// relation ("client.name").
type Clause struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// ValidationError reports a malformed clause: unknown field or operator, or
// a value that cannot be coerced to the field type.
type ValidationError struct {
	Field    string
	Operator Operator
	Msg      string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Operator != "" && e.Field != "":
		return fmt.Sprintf("invalid filter on field %q with operator %q: %s", e.Field, e.Operator, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("invalid filter field %q: %s", e.Field, e.Msg)
	default:
		return "invalid filter: " + e.Msg
	}
}

func invalid(c Clause, format string, args ...any) *ValidationError {
	return &ValidationError{Field: c.Field, Operator: c.Operator, Msg: fmt.Sprintf(format, args...)}
}

// And combines predicates, dropping empty ones.
func And(preds ...Predicate) Predicate {
	parts := make([]any, 0, len(preds))
	for _, p := range preds {
		if !p.IsEmpty() {
			parts = append(parts, map[string]any(p))
		}
	}
	switch len(parts) {
	case 0:
		return Predicate{}
	case 1:
		return Predicate(parts[0].(map[string]any))
	}
	return Predicate{keyAnd: parts}
}

// Or combines predicates, dropping empty ones. A single part is returned as is.
func Or(preds ...Predicate) Predicate {
	parts := make([]any, 0, len(preds))
	for _, p := range preds {
		if !p.IsEmpty() {
			parts = append(parts, map[string]any(p))
		}
	}
	switch len(parts) {
	case 0:
		return Predicate{}
	case 1:
		return Predicate(parts[0].(map[string]any))
	}
	return Predicate{keyOr: parts}
}

// NotAny negates the union of preds.
func NotAny(preds ...Predicate) Predicate {
	parts := make([]any, 0, len(preds))
	for _, p := range preds {
		if !p.IsEmpty() {
			parts = append(parts, map[string]any(p))
		}
	}
	if len(parts) == 0 {
		return Predicate{}
	}
	return Predicate{keyNot: parts}
}

// Nothing matches no record.
func Nothing() Predicate {
	return Predicate{keyOr: []any{}}
}
