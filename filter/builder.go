package filter

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oarkflow/date"

	"github.com/oarkflow/ability/logger"
	"github.com/oarkflow/ability/schema"
)

// Builder translates clauses into predicates against a schema source.
type Builder struct {
	schemas schema.Source
	logger  logger.Logger
	strict  bool
	cache   *ristretto.Cache
}

type Option func(*Builder) error

func WithLogger(l logger.Logger) Option {
	return func(b *Builder) error {
		b.logger = l
		return nil
	}
}

// WithStrict turns unmatched clauses into ValidationErrors instead of
// warnings.
func WithStrict(strict bool) Option {
	return func(b *Builder) error {
		b.strict = strict
		return nil
	}
}

// WithPathCache caches resolved field paths. Safe because schemas are static.
func WithPathCache(numCounters, maxCost, bufferItems int64) Option {
	return func(b *Builder) error {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: bufferItems,
		})
		if err != nil {
			return fmt.Errorf("filter: path cache: %w", err)
		}
		b.cache = c
		return nil
	}
}

func NewBuilder(src schema.Source, opts ...Option) (*Builder, error) {
	b := &Builder{schemas: src, logger: logger.NewNullLogger()}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Close releases the path cache.
func (b *Builder) Close() {
	if b.cache != nil {
		b.cache.Close()
	}
}

// BuildFilter builds a predicate for clauses on subject using a throwaway
// builder.
func BuildFilter(clauses []Clause, subject string, src schema.Source) (Predicate, error) {
	b, _ := NewBuilder(src)
	return b.BuildFilter(clauses, subject)
}

// BuildFilter combines one predicate per clause under AND. Clauses whose field
// cannot be resolved contribute nothing and are logged, unless the builder is
// strict.
func (b *Builder) BuildFilter(clauses []Clause, subject string) (Predicate, error) {
	desc, ok := b.schemas.Get(subject)
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("unknown subject %q", subject)}
	}
	parts := make([]Predicate, 0, len(clauses))
	for _, c := range clauses {
		p, err := b.clause(desc, c)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return And(parts...), nil
}

func (b *Builder) clause(desc *schema.Descriptor, c Clause) (Predicate, error) {
	if c.Operator == "" {
		c.Operator = Equals
	}
	if !c.Operator.Valid() {
		return nil, invalid(c, "unknown operator")
	}
	path, ok := b.resolve(desc, c.Field)
	if !ok {
		if b.strict {
			return nil, invalid(c, "unknown field on %s", desc.Name)
		}
		b.logger.Warn("filter clause ignored", "subject", desc.Name, "field", c.Field, "operator", string(c.Operator))
		return Predicate{}, nil
	}
	cond, err := condition(path.leaf, c)
	if err != nil {
		return nil, err
	}
	return Predicate(path.wrap(map[string]any{path.leaf.Name: cond})), nil
}

// resolved is a field reached from a subject through zero or more relations.
type resolved struct {
	hops []schema.FieldMeta
	leaf schema.FieldMeta
}

// wrap nests inner under the relation hops, innermost last.
func (r resolved) wrap(inner map[string]any) map[string]any {
	for i := len(r.hops) - 1; i >= 0; i-- {
		hop := r.hops[i]
		if hop.IsToMany() {
			inner = map[string]any{hop.Name: map[string]any{keySome: inner}}
		} else {
			inner = map[string]any{hop.Name: inner}
		}
	}
	return inner
}

func (b *Builder) resolve(desc *schema.Descriptor, field string) (resolved, bool) {
	key := desc.Name + "\x00" + field
	if b.cache != nil {
		if v, ok := b.cache.Get(key); ok {
			r, found := v.(*resolved)
			if !found || r == nil {
				return resolved{}, false
			}
			return *r, true
		}
	}
	parts := strings.Split(field, ".")
	r, ok := b.walk(desc, parts)
	if !ok && len(parts) > 1 {
		r, ok = b.twoHop(desc, parts)
	}
	if b.cache != nil {
		if ok {
			b.cache.Set(key, &r, 1)
		} else {
			b.cache.Set(key, (*resolved)(nil), 1)
		}
	}
	return r, ok
}

// walk follows an explicit dotted path.
func (b *Builder) walk(desc *schema.Descriptor, parts []string) (resolved, bool) {
	if len(parts) == 0 || parts[0] == "" {
		return resolved{}, false
	}
	f, ok := desc.FieldFold(parts[0])
	if !ok {
		return resolved{}, false
	}
	if len(parts) == 1 {
		if f.IsRelation() {
			return resolved{}, false
		}
		return resolved{leaf: f}, true
	}
	if !f.IsRelation() {
		return resolved{}, false
	}
	target, ok := b.schemas.Get(f.Relation.Target)
	if !ok {
		return resolved{}, false
	}
	inner, ok := b.walk(target, parts[1:])
	if !ok {
		return resolved{}, false
	}
	inner.hops = append([]schema.FieldMeta{f}, inner.hops...)
	return inner, true
}

// twoHop looks for the root token one relation away: among the subject's
// relations, one whose target has a relation named after (or pointing at)
// the root token.
func (b *Builder) twoHop(desc *schema.Descriptor, parts []string) (resolved, bool) {
	root := parts[0]
	for _, first := range desc.Relations() {
		mid, ok := b.schemas.Get(first.Relation.Target)
		if !ok {
			continue
		}
		for _, second := range mid.Relations() {
			if !strings.EqualFold(second.Name, root) && !strings.EqualFold(second.Relation.Target, root) {
				continue
			}
			target, ok := b.schemas.Get(second.Relation.Target)
			if !ok {
				continue
			}
			inner, ok := b.walk(target, parts[1:])
			if !ok {
				continue
			}
			inner.hops = append([]schema.FieldMeta{first, second}, inner.hops...)
			return inner, true
		}
	}
	return resolved{}, false
}

// condition builds the operator document for a scalar leaf.
func condition(f schema.FieldMeta, c Clause) (map[string]any, error) {
	op := c.Operator
	if f.IsList && (op == Equals || op == Contains) {
		op = Has
	}
	if f.IsList && op == In {
		op = HasSome
	}
	if (op == Has || op == HasSome) && !f.IsList {
		return nil, invalid(c, "operator needs a list field")
	}
	if op.textual() && f.Type != schema.String {
		return nil, invalid(c, "operator needs a string field, %s is %s", f.Name, f.Type)
	}
	if op.ordered() && (f.Type == schema.Boolean || f.Type == schema.JSON) {
		return nil, invalid(c, "operator not supported on %s", f.Type)
	}
	var (
		val any
		err error
	)
	if op.multi() {
		val, err = coerceList(f.Type, c.Value)
	} else {
		val, err = coerce(f.Type, c.Value)
	}
	if err != nil {
		return nil, invalid(c, "%v", err)
	}
	cond := map[string]any{string(op): val}
	if f.Type == schema.String && op != Has && op != HasSome {
		cond[keyMode] = modeInsensitive
	}
	return cond, nil
}

func coerceList(t schema.ScalarType, v any) ([]any, error) {
	var items []any
	switch vv := v.(type) {
	case nil:
		return []any{}, nil
	case string:
		for _, s := range strings.Split(vv, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
	case []any:
		items = vv
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("expected a list, got %T", v)
		}
		for i := 0; i < rv.Len(); i++ {
			items = append(items, rv.Index(i).Interface())
		}
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		c, err := coerce(t, it)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// coerce converts a UI value to the field's scalar type.
func coerce(t schema.ScalarType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.String:
		switch vv := v.(type) {
		case string:
			return vv, nil
		case fmt.Stringer:
			return vv.String(), nil
		case bool, float64, float32, int, int64, int32, json.Number:
			return fmt.Sprint(vv), nil
		}
	case schema.Int:
		switch vv := v.(type) {
		case int:
			return int64(vv), nil
		case int32:
			return int64(vv), nil
		case int64:
			return vv, nil
		case float64:
			if vv != math.Trunc(vv) {
				return nil, fmt.Errorf("%v is not an integer", vv)
			}
			return int64(vv), nil
		case json.Number:
			return vv.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(vv), 10, 64)
		}
	case schema.Float:
		switch vv := v.(type) {
		case float64:
			return vv, nil
		case float32:
			return float64(vv), nil
		case int:
			return float64(vv), nil
		case int64:
			return float64(vv), nil
		case json.Number:
			return vv.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(vv), 64)
		}
	case schema.Boolean:
		switch vv := v.(type) {
		case bool:
			return vv, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(vv))
		}
	case schema.DateTime:
		switch vv := v.(type) {
		case time.Time:
			return vv, nil
		case string:
			return date.Parse(vv)
		}
	case schema.JSON:
		return v, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}
