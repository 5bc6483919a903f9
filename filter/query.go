package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Query is what a list endpoint hands to Persistence.FindMany.
type Query struct {
	Where   Predicate `json:"where,omitempty"`
	OrderBy []Order   `json:"orderBy,omitempty"`
	Skip    int       `json:"skip"`
	Take    int       `json:"take"`
}

// ListParams are the raw list/search inputs of a UI table.
type ListParams struct {
	Filters      []Clause
	Search       string
	SearchFields []string
	Sort         string
	Page         int
	PageSize     int
	// Scope is ANDed into the result, typically an access predicate.
	Scope Predicate
}

// Persistence is the storage boundary consumed by list services.
type Persistence interface {
	Count(ctx context.Context, subject string, where Predicate) (int64, error)
	FindMany(ctx context.Context, subject string, q Query) ([]map[string]any, error)
}

type Page struct {
	Items    []map[string]any `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

// BuildQuery validates params against subject's schema and produces a Query.
func (b *Builder) BuildQuery(p ListParams, subject string) (Query, error) {
	desc, ok := b.schemas.Get(subject)
	if !ok {
		return Query{}, &ValidationError{Msg: fmt.Sprintf("unknown subject %q", subject)}
	}
	where, err := b.BuildFilter(p.Filters, subject)
	if err != nil {
		return Query{}, err
	}
	search, err := b.BuildSearch(p.Search, subject, p.SearchFields)
	if err != nil {
		return Query{}, err
	}
	orders, err := ParseSort(p.Sort)
	if err != nil {
		return Query{}, err
	}
	for i, o := range orders {
		f, ok := desc.FieldFold(o.Field)
		if !ok || f.IsRelation() {
			return Query{}, &ValidationError{Field: o.Field, Msg: "cannot sort on unknown field of " + desc.Name}
		}
		orders[i].Field = f.Name
	}
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)
	page := max(p.Page, 1)
	return Query{
		Where:   And(p.Scope, where, search),
		OrderBy: orders,
		Skip:    (page - 1) * size,
		Take:    size,
	}, nil
}

// ParseSort reads "name:asc,createdAt:desc" or "-createdAt,name".
func ParseSort(s string) ([]Order, error) {
	var out []Order
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		o := Order{Direction: Asc}
		if strings.HasPrefix(part, "-") {
			o.Direction = Desc
			part = part[1:]
		}
		field, dir, found := strings.Cut(part, ":")
		o.Field = strings.TrimSpace(field)
		if found {
			switch Direction(strings.ToLower(strings.TrimSpace(dir))) {
			case Asc:
				o.Direction = Asc
			case Desc:
				o.Direction = Desc
			default:
				return nil, &ValidationError{Field: o.Field, Msg: fmt.Sprintf("unknown sort direction %q", dir)}
			}
		}
		if o.Field == "" {
			return nil, &ValidationError{Msg: "empty sort field"}
		}
		out = append(out, o)
	}
	return out, nil
}

// ParseClauses reads the UI filter parameter. Two shapes are accepted:
//
//	[{"field":"name","operator":"contains","value":"jo"}, ...]
//	{"name":"jo","status":"ACTIVE"}   (equals clauses, in key order)
func ParseClauses(raw string) ([]Clause, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, &ValidationError{Msg: "filters are not valid JSON"}
	}
	doc := gjson.Parse(raw)
	var (
		out []Clause
		err error
	)
	switch {
	case doc.IsArray():
		doc.ForEach(func(_, item gjson.Result) bool {
			if !item.IsObject() {
				err = &ValidationError{Msg: "filter entries must be objects"}
				return false
			}
			c := Clause{
				Field:    item.Get("field").String(),
				Operator: Operator(item.Get("operator").String()),
				Value:    item.Get("value").Value(),
			}
			if c.Field == "" {
				err = &ValidationError{Msg: "filter entry without field"}
				return false
			}
			if c.Operator == "" {
				c.Operator = Equals
			}
			out = append(out, c)
			return true
		})
	case doc.IsObject():
		doc.ForEach(func(key, val gjson.Result) bool {
			out = append(out, Clause{Field: key.String(), Operator: Equals, Value: val.Value()})
			return true
		})
	default:
		return nil, &ValidationError{Msg: "filters must be a JSON array or object"}
	}
	return out, err
}

// List runs Count and FindMany for q.
func List(ctx context.Context, p Persistence, subject string, q Query) (*Page, error) {
	total, err := p.Count(ctx, subject, q.Where)
	if err != nil {
		return nil, err
	}
	items, err := p.FindMany(ctx, subject, q)
	if err != nil {
		return nil, err
	}
	page := 1
	if q.Take > 0 {
		page = q.Skip/q.Take + 1
	}
	return &Page{Items: items, Total: total, Page: page, PageSize: q.Take}, nil
}
