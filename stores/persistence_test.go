package stores

import (
	"context"
	"testing"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/schema"
)

func must(d *schema.Descriptor, err error) *schema.Descriptor {
	if err != nil {
		panic(err)
	}
	return d
}

func persistenceRegistry() *schema.Registry {
	return schema.NewRegistry().MustRegister(
		must(schema.New("Client", "clients",
			schema.Scalar("id", schema.String),
			schema.Scalar("name", schema.String),
			schema.Scalar("tier", schema.Int),
			schema.ToMany("rewards", "Reward", "id", "client_id"),
		)),
		must(schema.New("Reward", "rewards",
			schema.Scalar("id", schema.String),
			schema.Scalar("name", schema.String),
			schema.Scalar("points", schema.Int),
			schema.Scalar("active", schema.Boolean),
			schema.FieldMeta{Name: "clientId", Type: schema.String, Column: "client_id"},
			schema.FieldMeta{Name: "tags", Type: schema.String, IsList: true},
			schema.ToOne("client", "Client", "client_id", "id"),
		)),
	)
}

var (
	testClients = []map[string]any{
		{"id": "c1", "name": "Acme", "tier": 1},
		{"id": "c2", "name": "Globex", "tier": 2},
		{"id": "c3", "name": "Initech", "tier": 3},
	}
	testRewards = []map[string]any{
		{"id": "r1", "name": "Gold Card", "points": 500, "active": true, "clientId": "c1", "tags": []any{"promo", "vip"}},
		{"id": "r2", "name": "Silver Card", "points": 100, "active": false, "clientId": "c1", "tags": []any{}},
		{"id": "r3", "name": "golden hour", "points": 250, "active": true, "clientId": "c2", "tags": []any{"Promo"}},
		{"id": "r4", "name": "Orphan 50%", "points": 10, "active": true, "clientId": nil, "tags": []any{"misc"}},
	}
)

func memoryPersistence(t *testing.T, reg *schema.Registry) *MemoryPersistence {
	t.Helper()
	p := NewMemoryPersistence(reg)
	for _, c := range testClients {
		require.NoError(t, p.Insert("Client", c))
	}
	for _, r := range testRewards {
		require.NoError(t, p.Insert("Reward", r))
	}
	return p
}

func sqlPersistence(t *testing.T, reg *schema.Registry) (*SQLPersistence, *squealx.DB) {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `
		CREATE TABLE clients (id TEXT PRIMARY KEY, name TEXT, tier INTEGER);
		CREATE TABLE rewards (id TEXT PRIMARY KEY, name TEXT, points INTEGER, active INTEGER, client_id TEXT, tags TEXT);`)
	require.NoError(t, err)
	for _, c := range testClients {
		_, err := db.NamedExecContext(ctx, `INSERT INTO clients(id, name, tier) VALUES(:id, :name, :tier)`, c)
		require.NoError(t, err)
	}
	for _, r := range testRewards {
		tags, err := marshalJSON(r["tags"], "[]")
		require.NoError(t, err)
		_, err = db.NamedExecContext(ctx, `INSERT INTO rewards(id, name, points, active, client_id, tags)
			VALUES(:id, :name, :points, :active, :client_id, :tags)`, map[string]any{
			"id": r["id"], "name": r["name"], "points": r["points"], "active": boolToInt(r["active"].(bool)),
			"client_id": r["clientId"], "tags": tags,
		})
		require.NoError(t, err)
	}
	return NewSQLPersistence(db, reg), db
}

func ids(rows []map[string]any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["id"].(string)
	}
	return out
}

func TestPersistencesAgree(t *testing.T) {
	ctx := context.Background()
	reg := persistenceRegistry()
	mem := memoryPersistence(t, reg)
	sqlp, _ := sqlPersistence(t, reg)

	cases := []struct {
		name    string
		subject string
		where   filter.Predicate
		want    []string
	}{
		{"everything", "Reward", filter.Predicate{}, []string{"r1", "r2", "r3", "r4"}},
		{"nothing", "Reward", filter.Nothing(), []string{}},
		{"insensitive contains", "Reward", filter.Predicate{"name": map[string]any{"contains": "gold", "mode": "insensitive"}}, []string{"r1", "r3"}},
		{"sensitive startsWith", "Reward", filter.Predicate{"name": map[string]any{"startsWith": "Gold"}}, []string{"r1"}},
		{"like wildcards are literal", "Reward", filter.Predicate{"name": map[string]any{"endsWith": "50%", "mode": "insensitive"}}, []string{"r4"}},
		{"range", "Reward", filter.Predicate{"points": map[string]any{"gte": 100, "lt": 500}}, []string{"r2", "r3"}},
		{"boolean shorthand", "Reward", filter.Predicate{"active": true}, []string{"r1", "r3", "r4"}},
		{"null equals", "Reward", filter.Predicate{"clientId": map[string]any{"equals": nil}}, []string{"r4"}},
		{"not value keeps nulls", "Reward", filter.Predicate{"clientId": map[string]any{"not": "c1"}}, []string{"r3", "r4"}},
		{"in", "Reward", filter.Predicate{"clientId": map[string]any{"in": []any{"c2", "c3"}}}, []string{"r3"}},
		{"negation keeps nulls", "Reward", filter.NotAny(filter.Predicate{"clientId": map[string]any{"equals": "c1"}}), []string{"r3", "r4"}},
		{"nested not keeps nulls", "Reward", filter.Predicate{"clientId": map[string]any{"not": map[string]any{"in": []any{"c1"}}}}, []string{"r3", "r4"}},
		{"notIn keeps nulls", "Reward", filter.Predicate{"clientId": map[string]any{"notIn": []any{"c1"}}}, []string{"r3", "r4"}},
		{"has", "Reward", filter.Predicate{"tags": map[string]any{"has": "promo"}}, []string{"r1"}},
		{"has insensitive", "Reward", filter.Predicate{"tags": map[string]any{"has": "promo", "mode": "insensitive"}}, []string{"r1", "r3"}},
		{"hasSome", "Reward", filter.Predicate{"tags": map[string]any{"hasSome": []any{"vip", "misc"}}}, []string{"r1", "r4"}},
		{"to-one", "Reward", filter.Predicate{"client": map[string]any{"name": map[string]any{"equals": "Acme"}}}, []string{"r1", "r2"}},
		{"some", "Client", filter.Predicate{"rewards": map[string]any{"some": map[string]any{"active": map[string]any{"equals": false}}}}, []string{"c1"}},
		{"every", "Client", filter.Predicate{"rewards": map[string]any{"every": map[string]any{"active": map[string]any{"equals": true}}}}, []string{"c2", "c3"}},
		{"none", "Client", filter.Predicate{"rewards": map[string]any{"none": map[string]any{"points": map[string]any{"gt": 200}}}}, []string{"c3"}},
		{"or and not", "Reward", filter.Or(
			filter.And(filter.Predicate{"clientId": map[string]any{"equals": "c1"}}, filter.NotAny(filter.Predicate{"active": map[string]any{"equals": false}})),
			filter.Predicate{"points": map[string]any{"lte": 10}},
		), []string{"r1", "r4"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := filter.Query{Where: tc.where}

			memRows, err := mem.FindMany(ctx, tc.subject, q)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, ids(memRows), "memory")

			sqlRows, err := sqlp.FindMany(ctx, tc.subject, q)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, ids(sqlRows), "sql")

			n, err := sqlp.Count(ctx, tc.subject, tc.where)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tc.want)), n)
			n, err = mem.Count(ctx, tc.subject, tc.where)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tc.want)), n)
		})
	}
}

func TestPersistencesWithBuilder(t *testing.T) {
	ctx := context.Background()
	reg := persistenceRegistry()
	b, err := filter.NewBuilder(reg)
	require.NoError(t, err)
	defer b.Close()

	q, err := b.BuildQuery(filter.ListParams{
		Filters:      []filter.Clause{{Field: "client.name", Operator: filter.Equals, Value: "acme"}},
		Search:       "card",
		SearchFields: []string{"name"},
		Sort:         "-points",
		PageSize:     1,
		Page:         2,
	}, "Reward")
	require.NoError(t, err)

	for name, p := range map[string]filter.Persistence{
		"memory": memoryPersistence(t, reg),
		"sql":    func() filter.Persistence { p, _ := sqlPersistence(t, reg); return p }(),
	} {
		page, err := filter.List(ctx, p, "Reward", q)
		require.NoError(t, err, name)
		assert.Equal(t, int64(2), page.Total, name)
		assert.Equal(t, 2, page.Page, name)
		assert.Equal(t, []string{"r2"}, ids(page.Items), name)
	}
}

func TestInsensitiveSearchWithPaging(t *testing.T) {
	ctx := context.Background()
	reg := persistenceRegistry()
	sqlp, _ := sqlPersistence(t, reg)
	q := filter.Query{
		Where:   filter.Predicate{"name": map[string]any{"contains": "card", "mode": "insensitive"}},
		OrderBy: []filter.Order{{Field: "points", Direction: filter.Desc}},
		Take:    10,
	}

	for name, p := range map[string]filter.Persistence{"memory": memoryPersistence(t, reg), "sql": sqlp} {
		rows, err := p.FindMany(ctx, "Reward", q)
		require.NoError(t, err, name)
		assert.Equal(t, []string{"r1", "r2"}, ids(rows), name)
	}

	q.Skip, q.Take = 1, 1
	rows, err := sqlp.FindMany(ctx, "Reward", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(rows))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "50!%", escapeLike("50%"))
	assert.Equal(t, "a!_b!!", escapeLike("a_b!"))
	assert.Equal(t, `c:\d`, escapeLike(`c:\d`))
}

func TestSQLPersistenceRowShape(t *testing.T) {
	ctx := context.Background()
	reg := persistenceRegistry()
	sqlp, _ := sqlPersistence(t, reg)

	rows, err := sqlp.FindMany(ctx, "Reward", filter.Query{Where: filter.Predicate{"id": "r1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{
		"id":       "r1",
		"name":     "Gold Card",
		"points":   float64(500),
		"active":   true,
		"clientId": "c1",
		"tags":     []any{"promo", "vip"},
	}, rows[0])
}

func TestSQLPersistenceRejectsUnknownField(t *testing.T) {
	reg := persistenceRegistry()
	sqlp := NewSQLPersistence(nil, reg)
	_, _, err := sqlp.Compile("Reward", filter.Predicate{"secret": "x"})
	var ve *filter.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "secret", ve.Field)
}

func TestMemoryPersistenceOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	mem := memoryPersistence(t, persistenceRegistry())
	rows, err := mem.FindMany(ctx, "Reward", filter.Query{OrderBy: []filter.Order{{Field: "points", Direction: filter.Desc}}, Skip: 1, Take: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r2"}, ids(rows))

	rows, err = mem.FindMany(ctx, "Reward", filter.Query{Skip: 10, Take: 2})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
