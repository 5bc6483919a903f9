package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/schema"
	"github.com/oarkflow/ability/utils"
)

// DefaultRelationDepth is how many relation hops MemoryPersistence embeds
// into a record before matching it.
const DefaultRelationDepth = 3

// MemoryPersistence implements filter.Persistence over in-memory tables, one
// per schema descriptor. Relations are joined on their local/foreign keys and
// embedded before the predicate is evaluated with filter.Match.
type MemoryPersistence struct {
	mu      sync.RWMutex
	schemas schema.Source
	tables  map[string][]map[string]any
	depth   int
}

func NewMemoryPersistence(src schema.Source) *MemoryPersistence {
	return &MemoryPersistence{schemas: src, tables: make(map[string][]map[string]any), depth: DefaultRelationDepth}
}

// Insert appends rows to subject's table. Rows are normalized copies keyed by
// field name; relation key columns may be included as plain keys.
func (p *MemoryPersistence) Insert(subject string, rows ...any) error {
	desc, ok := p.schemas.Get(subject)
	if !ok {
		return fmt.Errorf("unknown subject %q", subject)
	}
	norm := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		m, err := utils.NormalizeMap(row)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", subject, i, err)
		}
		norm = append(norm, m)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[desc.Name] = append(p.tables[desc.Name], norm...)
	return nil
}

func (p *MemoryPersistence) Count(ctx context.Context, subject string, where filter.Predicate) (int64, error) {
	rows, err := p.matching(ctx, subject, where)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (p *MemoryPersistence) FindMany(ctx context.Context, subject string, q filter.Query) ([]map[string]any, error) {
	rows, err := p.matching(ctx, subject, q.Where)
	if err != nil {
		return nil, err
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := compareNullable(rows[i][o.Field], rows[j][o.Field])
				if c == 0 {
					continue
				}
				if o.Direction == filter.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Skip > 0 {
		if q.Skip >= len(rows) {
			return []map[string]any{}, nil
		}
		rows = rows[q.Skip:]
	}
	if q.Take > 0 && q.Take < len(rows) {
		rows = rows[:q.Take]
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out, nil
}

func (p *MemoryPersistence) matching(ctx context.Context, subject string, where filter.Predicate) ([]map[string]any, error) {
	desc, ok := p.schemas.Get(subject)
	if !ok {
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]map[string]any, 0)
	for _, row := range p.tables[desc.Name] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := filter.Match(where, p.hydrate(desc, row, p.depth))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// hydrate embeds relations: to-one as an object (or nil), to-many as a list.
func (p *MemoryPersistence) hydrate(desc *schema.Descriptor, row map[string]any, depth int) map[string]any {
	rec := copyRow(row)
	if depth <= 0 {
		return rec
	}
	for _, f := range desc.Relations() {
		target, ok := p.schemas.Get(f.Relation.Target)
		if !ok {
			continue
		}
		local := row[keyField(desc, f.Relation.LocalKey)]
		foreign := keyField(target, f.Relation.ForeignKey)
		var joined []any
		for _, t := range p.tables[target.Name] {
			if local != nil && utils.Equal(t[foreign], local) {
				joined = append(joined, p.hydrate(target, t, depth-1))
			}
		}
		if f.IsToMany() {
			if joined == nil {
				joined = []any{}
			}
			rec[f.Name] = joined
			continue
		}
		if len(joined) > 0 {
			rec[f.Name] = joined[0]
		} else {
			rec[f.Name] = nil
		}
	}
	return rec
}

// keyField maps a relation key column to the row key holding it.
func keyField(desc *schema.Descriptor, column string) string {
	for _, f := range desc.Fields {
		if f.Relation == nil && f.ColumnName() == column {
			return f.Name
		}
	}
	return column
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// compareNullable sorts nil first and falls back to 0 for incomparable values.
func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := filter.Compare(a, b)
	return c
}
