package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/pkg/errors"

	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/schema"
	"github.com/oarkflow/ability/utils"
)

// SQLPersistence implements filter.Persistence by compiling predicates to
// SQLite SQL. Entity tables and columns come from the schema descriptors.
// DateTime columns are expected to hold RFC 3339 UTC text and list columns
// JSON arrays.
type SQLPersistence struct {
	db      *squealx.DB
	schemas schema.Source
}

func NewSQLPersistence(db *squealx.DB, src schema.Source) *SQLPersistence {
	return &SQLPersistence{db: db, schemas: src}
}

func (p *SQLPersistence) Count(ctx context.Context, subject string, where filter.Predicate) (int64, error) {
	desc, ok := p.schemas.Get(subject)
	if !ok {
		return 0, fmt.Errorf("unknown subject %q", subject)
	}
	cond, params, err := p.Compile(subject, where)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s t0 WHERE %s`, quoteIdent(desc.TableName()), cond)
	r, err := p.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", subject)
	}
	defer r.Close()
	var n int64
	if r.Next() {
		if err := r.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, r.Err()
}

func (p *SQLPersistence) FindMany(ctx context.Context, subject string, q filter.Query) ([]map[string]any, error) {
	desc, ok := p.schemas.Get(subject)
	if !ok {
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
	cond, params, err := p.Compile(subject, q.Where)
	if err != nil {
		return nil, err
	}
	fields := make([]schema.FieldMeta, 0, len(desc.Fields))
	cols := make([]string, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		if f.IsRelation() {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, "t0."+quoteIdent(f.ColumnName()))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s t0 WHERE %s", strings.Join(cols, ", "), quoteIdent(desc.TableName()), cond)
	if len(q.OrderBy) > 0 {
		orders := make([]string, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			f, ok := desc.Field(o.Field)
			if !ok || f.IsRelation() {
				return nil, &filter.ValidationError{Field: o.Field, Msg: "cannot sort on unknown field of " + desc.Name}
			}
			dir := "ASC"
			if o.Direction == filter.Desc {
				dir = "DESC"
			}
			orders = append(orders, "t0."+quoteIdent(f.ColumnName())+" "+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}
	if q.Take > 0 {
		sb.WriteString(" LIMIT :limit OFFSET :offset")
		params["limit"] = q.Take
		params["offset"] = q.Skip
	}
	r, err := p.db.NamedQueryContext(ctx, sb.String(), params)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", subject)
	}
	defer r.Close()
	out := make([]map[string]any, 0)
	for r.Next() {
		vals := make([]any, len(fields))
		ptrs := make([]any, len(fields))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			v, err := fromColumn(f, vals[i])
			if err != nil {
				return nil, errors.Wrapf(err, "%s.%s", desc.Name, f.Name)
			}
			row[f.Name] = v
		}
		out = append(out, row)
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "find %s", subject)
	}
	return out, nil
}

// fromColumn maps a driver value into the JSON value space used by
// MemoryPersistence.
func fromColumn(f schema.FieldMeta, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	switch {
	case f.IsList || f.Type == schema.JSON:
		s, ok := v.(string)
		if !ok {
			return utils.Normalize(v)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	case f.Type == schema.Boolean:
		switch n := v.(type) {
		case int64:
			return n != 0, nil
		case bool:
			return n, nil
		}
	case f.Type == schema.DateTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return utils.Normalize(v)
}

// Compile translates where into a SQL condition over alias t0 plus its
// named parameters.
func (p *SQLPersistence) Compile(subject string, where filter.Predicate) (string, map[string]any, error) {
	desc, ok := p.schemas.Get(subject)
	if !ok {
		return "", nil, fmt.Errorf("unknown subject %q", subject)
	}
	c := &compiler{schemas: p.schemas, params: map[string]any{}}
	sql, err := c.doc(desc, "t0", where)
	if err != nil {
		return "", nil, err
	}
	return sql, c.params, nil
}

type compiler struct {
	schemas schema.Source
	params  map[string]any
	nparam  int
	nalias  int
}

func (c *compiler) bind(v any) string {
	c.nparam++
	name := fmt.Sprintf("p%d", c.nparam)
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339)
	}
	c.params[name] = v
	return ":" + name
}

func (c *compiler) alias() string {
	c.nalias++
	return fmt.Sprintf("t%d", c.nalias)
}

func (c *compiler) doc(desc *schema.Descriptor, alias string, pred map[string]any) (string, error) {
	parts := make([]string, 0, len(pred))
	for _, k := range sortedKeys(pred) {
		s, err := c.key(desc, alias, k, pred[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "1=1", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *compiler) list(desc *schema.Descriptor, alias string, v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		if m, isMap := asDoc(v); isMap {
			items = []any{m}
		} else {
			return nil, fmt.Errorf("logical operand must be a list, got %T", v)
		}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		m, ok := asDoc(it)
		if !ok {
			return nil, fmt.Errorf("logical operand must be an object, got %T", it)
		}
		s, err := c.doc(desc, alias, m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *compiler) key(desc *schema.Descriptor, alias, k string, v any) (string, error) {
	switch k {
	case "AND", "OR", "NOT":
		parts, err := c.list(desc, alias, v)
		if err != nil {
			return "", err
		}
		switch {
		case k == "AND" && len(parts) == 0, k == "NOT" && len(parts) == 0:
			return "1=1", nil
		case k == "OR" && len(parts) == 0:
			return "1=0", nil
		case k == "AND":
			return "(" + strings.Join(parts, " AND ") + ")", nil
		case k == "OR":
			return "(" + strings.Join(parts, " OR ") + ")", nil
		}
		return negate("(" + strings.Join(parts, " OR ") + ")"), nil
	}

	f, ok := desc.Field(k)
	if !ok {
		return "", &filter.ValidationError{Field: k, Msg: "unknown field of " + desc.Name}
	}
	if f.IsRelation() {
		return c.relation(desc, alias, f, v)
	}
	col := alias + "." + quoteIdent(f.ColumnName())
	cond, isDoc := asDoc(v)
	if !isDoc {
		return c.equals(col, v, false), nil
	}
	return c.ops(f, col, cond)
}

func (c *compiler) relation(desc *schema.Descriptor, alias string, f schema.FieldMeta, v any) (string, error) {
	target, ok := c.schemas.Get(f.Relation.Target)
	if !ok {
		return "", &filter.ValidationError{Field: f.Name, Msg: "unknown relation target " + f.Relation.Target}
	}
	cond, ok := asDoc(v)
	if !ok {
		return "", &filter.ValidationError{Field: f.Name, Msg: "relation filter must be an object"}
	}
	if len(cond) == 0 {
		return "1=1", nil
	}
	sub := func(inner map[string]any, inverted bool) (string, error) {
		ta := c.alias()
		body, err := c.doc(target, ta, inner)
		if err != nil {
			return "", err
		}
		if inverted {
			body = negate(body)
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s.%s AND %s)",
			quoteIdent(target.TableName()), ta,
			ta, quoteIdent(f.Relation.ForeignKey), alias, quoteIdent(f.Relation.LocalKey), body), nil
	}
	if !f.IsToMany() || !isQuantifier(cond) {
		return sub(cond, false)
	}
	parts := make([]string, 0, len(cond))
	for _, q := range sortedKeys(cond) {
		inner, ok := asDoc(cond[q])
		if !ok {
			return "", &filter.ValidationError{Field: f.Name, Msg: q + " expects an object"}
		}
		var (
			s   string
			err error
		)
		switch q {
		case "some":
			s, err = sub(inner, false)
		case "none":
			s, err = sub(inner, false)
			s = "NOT " + s
		case "every":
			s, err = sub(inner, true)
			s = "NOT " + s
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *compiler) equals(col string, v any, ins bool) string {
	if v == nil {
		return col + " IS NULL"
	}
	if _, isStr := v.(string); isStr && ins {
		return fmt.Sprintf("LOWER(%s) = LOWER(%s)", col, c.bind(v))
	}
	return fmt.Sprintf("%s = %s", col, c.bind(v))
}

func (c *compiler) ops(f schema.FieldMeta, col string, cond map[string]any) (string, error) {
	ins := cond["mode"] == "insensitive"
	parts := make([]string, 0, len(cond))
	for _, op := range sortedKeys(cond) {
		if op == "mode" {
			continue
		}
		want := cond[op]
		var s string
		switch filter.Operator(op) {
		case filter.Equals:
			s = c.equals(col, want, ins)
		case filter.Not:
			if nested, ok := asDoc(want); ok {
				inner, err := c.ops(f, col, nested)
				if err != nil {
					return "", err
				}
				s = negate(inner)
			} else if want == nil {
				s = col + " IS NOT NULL"
			} else {
				s = fmt.Sprintf("(%s IS NULL OR NOT %s)", col, c.equals(col, want, ins))
			}
		case filter.Contains, filter.StartsWith, filter.EndsWith:
			w, ok := want.(string)
			if !ok {
				return "", &filter.ValidationError{Field: f.Name, Operator: filter.Operator(op), Msg: "expects a string"}
			}
			s = c.text(col, filter.Operator(op), w, ins)
		case filter.Gt, filter.Gte, filter.Lt, filter.Lte:
			sym := map[filter.Operator]string{filter.Gt: ">", filter.Gte: ">=", filter.Lt: "<", filter.Lte: "<="}[filter.Operator(op)]
			if _, isStr := want.(string); isStr && ins {
				s = fmt.Sprintf("LOWER(%s) %s LOWER(%s)", col, sym, c.bind(want))
			} else {
				s = fmt.Sprintf("%s %s %s", col, sym, c.bind(want))
			}
		case filter.In, filter.NotIn:
			items, _ := want.([]any)
			if len(items) == 0 {
				if filter.Operator(op) == filter.In {
					s = "1=0"
				} else {
					s = "1=1"
				}
				break
			}
			lhs, in := col, c.inList(items, ins)
			if ins {
				lhs = "LOWER(" + col + ")"
			}
			if filter.Operator(op) == filter.In {
				s = fmt.Sprintf("%s IN (%s)", lhs, in)
			} else {
				s = fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", col, lhs, in)
			}
		case filter.Has:
			lhs, rhs := "je.value", c.bind(want)
			if ins {
				lhs, rhs = "LOWER(je.value)", "LOWER("+rhs+")"
			}
			s = fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) je WHERE %s = %s)", col, lhs, rhs)
		case filter.HasSome:
			items, _ := want.([]any)
			if len(items) == 0 {
				s = "1=0"
				break
			}
			lhs := "je.value"
			if ins {
				lhs = "LOWER(je.value)"
			}
			s = fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) je WHERE %s IN (%s))", col, lhs, c.inList(items, ins))
		default:
			return "", &filter.ValidationError{Field: f.Name, Operator: filter.Operator(op), Msg: "unknown operator"}
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "1=1", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (c *compiler) inList(items []any, ins bool) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = c.bind(it)
		if _, isStr := it.(string); isStr && ins {
			names[i] = "LOWER(" + names[i] + ")"
		}
	}
	return strings.Join(names, ", ")
}

// text compiles contains/startsWith/endsWith. Case-insensitive matching uses
// LIKE on lowered operands; case-sensitive matching uses instr/substr since
// SQLite's LIKE ignores ASCII case.
func (c *compiler) text(col string, op filter.Operator, w string, ins bool) string {
	if ins {
		pat := escapeLike(strings.ToLower(w))
		switch op {
		case filter.Contains:
			pat = "%" + pat + "%"
		case filter.StartsWith:
			pat += "%"
		default:
			pat = "%" + pat
		}
		return fmt.Sprintf(`LOWER(%s) LIKE %s ESCAPE '!'`, col, c.bind(pat))
	}
	p := c.bind(w)
	switch op {
	case filter.Contains:
		return fmt.Sprintf("instr(%s, %s) > 0", col, p)
	case filter.StartsWith:
		return fmt.Sprintf("substr(%s, 1, length(%s)) = %s", col, p, p)
	}
	return fmt.Sprintf("(length(%s) >= length(%s) AND substr(%s, -length(%s)) = %s)", col, p, col, p, p)
}

// escapeLike escapes with '!'; a backslash literal trips the named
// parameter scanner.
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// negate treats an unknown (NULL) comparison as false before negating it,
// the way filter.Match does.
func negate(cond string) string {
	return "NOT COALESCE(" + cond + ", 0)"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isQuantifier(m map[string]any) bool {
	for k := range m {
		if k != "some" && k != "every" && k != "none" {
			return false
		}
	}
	return true
}

func asDoc(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case filter.Predicate:
		return m, true
	}
	return nil, false
}
