package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/ability/logger"
	"github.com/oarkflow/ability/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	must := func(d *schema.Descriptor, err error) *schema.Descriptor {
		require.NoError(t, err)
		return d
	}
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(
		must(schema.New("Client", "clients",
			schema.Scalar("id", schema.String),
			schema.Scalar("name", schema.String),
			schema.ToMany("rewards", "Reward", "id", "client_id"),
		)),
		must(schema.New("Reward", "rewards",
			schema.Scalar("id", schema.String),
			schema.Scalar("name", schema.String),
			schema.Scalar("points", schema.Int),
			schema.Scalar("active", schema.Boolean),
			schema.Scalar("createdAt", schema.DateTime),
			schema.FieldMeta{Name: "tags", Type: schema.String, IsList: true},
			schema.ToOne("client", "Client", "client_id", "id"),
		)),
		must(schema.New("User", "users",
			schema.Scalar("id", schema.String),
			schema.Scalar("firstName", schema.String),
			schema.Scalar("lastName", schema.String),
			schema.ToOne("client", "Client", "client_id", "id"),
			schema.ToMany("roles", "Role", "id", "user_id"),
		)),
		must(schema.New("Role", "roles",
			schema.Scalar("id", schema.String),
			schema.Scalar("name", schema.String),
			schema.ToMany("permissions", "Permission", "id", "role_id"),
		)),
		must(schema.New("Permission", "permissions",
			schema.Scalar("id", schema.String),
			schema.Scalar("action", schema.String),
		)),
	))
	require.NoError(t, reg.Validate())
	return reg
}

func insensitive(op Operator, v any) map[string]any {
	return map[string]any{string(op): v, "mode": "insensitive"}
}

func TestBuildFilterScalarFields(t *testing.T) {
	reg := testRegistry(t)

	p, err := BuildFilter([]Clause{{Field: "name", Operator: Contains, Value: "gold"}}, "Reward", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"name": insensitive(Contains, "gold")}, p)

	p, err = BuildFilter([]Clause{{Field: "points", Operator: Gte, Value: "10"}}, "Reward", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"points": map[string]any{"gte": int64(10)}}, p)

	p, err = BuildFilter([]Clause{{Field: "active", Value: "true"}}, "Reward", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"active": map[string]any{"equals": true}}, p)
}

func TestBuildFilterRelations(t *testing.T) {
	reg := testRegistry(t)

	p, err := BuildFilter([]Clause{{Field: "client.name", Operator: Equals, Value: "Acme"}}, "Reward", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"client": map[string]any{"name": insensitive(Equals, "Acme")}}, p)

	p, err = BuildFilter([]Clause{{Field: "rewards.name", Operator: StartsWith, Value: "Go"}}, "Client", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"rewards": map[string]any{"some": map[string]any{"name": insensitive(StartsWith, "Go")}}}, p)

	p, err = BuildFilter([]Clause{{Field: "client.rewards.points", Operator: Gt, Value: 5}}, "User", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"client": map[string]any{"rewards": map[string]any{"some": map[string]any{"points": map[string]any{"gt": int64(5)}}}}}, p)
}

func TestBuildFilterTwoHop(t *testing.T) {
	reg := testRegistry(t)

	p, err := BuildFilter([]Clause{{Field: "permissions.action", Operator: Equals, Value: "read"}}, "User", reg)
	require.NoError(t, err)
	assert.Equal(t, Predicate{
		"roles": map[string]any{"some": map[string]any{
			"permissions": map[string]any{"some": map[string]any{"action": insensitive(Equals, "read")}},
		}},
	}, p)

	// matched through the relation target name rather than the field name
	p, err = BuildFilter([]Clause{{Field: "Permission.action", Operator: Equals, Value: "read"}}, "User", reg)
	require.NoError(t, err)
	assert.Contains(t, p, "roles")
}

func TestBuildFilterUnmatchedClauseWarns(t *testing.T) {
	reg := testRegistry(t)
	rec := logger.NewRecorder()
	b, err := NewBuilder(reg, WithLogger(rec))
	require.NoError(t, err)

	p, err := b.BuildFilter([]Clause{
		{Field: "nope", Operator: Equals, Value: "x"},
		{Field: "name", Operator: Equals, Value: "Acme"},
	}, "Client")
	require.NoError(t, err)
	assert.Equal(t, Predicate{"name": insensitive(Equals, "Acme")}, p)

	warns := rec.ByLevel("warn")
	require.Len(t, warns, 1)
	assert.Equal(t, "nope", warns[0].Fields["field"])

	strict, err := NewBuilder(reg, WithStrict(true))
	require.NoError(t, err)
	_, err = strict.BuildFilter([]Clause{{Field: "nope", Operator: Equals, Value: "x"}}, "Client")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "nope", verr.Field)
}

func TestBuildFilterValidation(t *testing.T) {
	reg := testRegistry(t)
	cases := []struct {
		name    string
		subject string
		clause  Clause
	}{
		{"unknown operator", "Reward", Clause{Field: "name", Operator: "like", Value: "x"}},
		{"contains on int", "Reward", Clause{Field: "points", Operator: Contains, Value: "1"}},
		{"bad int", "Reward", Clause{Field: "points", Operator: Equals, Value: "ten"}},
		{"fractional int", "Reward", Clause{Field: "points", Operator: Equals, Value: 1.5}},
		{"gt on bool", "Reward", Clause{Field: "active", Operator: Gt, Value: true}},
		{"bad date", "Reward", Clause{Field: "createdAt", Operator: Gt, Value: "not a date"}},
		{"in needs list", "Reward", Clause{Field: "points", Operator: In, Value: 3}},
		{"unknown subject", "Nope", Clause{Field: "name", Operator: Equals, Value: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildFilter([]Clause{tc.clause}, tc.subject, reg)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Contains(t, verr.Error(), "invalid filter")
		})
	}
}

func TestBuildFilterCombinesClausesAndCoercesLists(t *testing.T) {
	reg := testRegistry(t)
	b, err := NewBuilder(reg, WithPathCache(1000, 100, 64))
	require.NoError(t, err)
	defer b.Close()

	clauses := []Clause{
		{Field: "points", Operator: In, Value: "1, 2,3"},
		{Field: "tags", Operator: Equals, Value: "vip"},
		{Field: "createdAt", Operator: Gte, Value: "2024-01-02"},
	}
	for i := 0; i < 2; i++ {
		p, err := b.BuildFilter(clauses, "Reward")
		require.NoError(t, err)
		and, ok := p["AND"].([]any)
		require.True(t, ok)
		require.Len(t, and, 3)
		assert.Equal(t, map[string]any{"points": map[string]any{"in": []any{int64(1), int64(2), int64(3)}}}, and[0])
		assert.Equal(t, map[string]any{"tags": map[string]any{"has": "vip"}}, and[1])
		created := and[2].(map[string]any)["createdAt"].(map[string]any)["gte"]
		ts, ok := created.(time.Time)
		require.True(t, ok)
		assert.Equal(t, 2024, ts.Year())
	}
}

func TestBuildSearchArity(t *testing.T) {
	fields := []string{"firstName", "middleName", "lastName"}
	c := func(field, tok string) map[string]any {
		return map[string]any{field: insensitive(Contains, tok)}
	}

	assert.Equal(t, Predicate{"OR": []any{c("firstName", "john"), c("middleName", "john"), c("lastName", "john")}},
		BuildSearch("john", fields))

	assert.Equal(t, Predicate{"AND": []any{
		map[string]any{"OR": []any{c("firstName", "john"), c("middleName", "john")}},
		map[string]any{"OR": []any{c("middleName", "doe"), c("lastName", "doe")}},
	}}, BuildSearch("john doe", fields))

	assert.Equal(t, Predicate{"AND": []any{c("firstName", "john"), c("middleName", "q"), c("lastName", "doe")}},
		BuildSearch("  john q   doe ", fields))

	assert.Equal(t, Predicate{"AND": []any{c("firstName", "john"), c("middleName", "q"), c("lastName", "van doe")}},
		BuildSearch("john q van doe", fields))

	assert.Empty(t, BuildSearch("   ", fields))
	assert.Empty(t, BuildSearch("john", nil))

	assert.Equal(t, Predicate{"AND": []any{
		map[string]any{"OR": []any{c("name", "a")}},
		map[string]any{"OR": []any{c("name", "b")}},
	}}, BuildSearch("a b", []string{"name"}))

	assert.Equal(t, Predicate{"OR": []any{map[string]any{"client": c("name", "acme")}}},
		BuildSearch("acme", []string{"client.name"}))
}

func TestBuilderSearchUsesSchema(t *testing.T) {
	reg := testRegistry(t)
	b, err := NewBuilder(reg)
	require.NoError(t, err)

	p, err := b.BuildSearch("gold", "Client", []string{"name", "rewards.name"})
	require.NoError(t, err)
	assert.Equal(t, Predicate{"OR": []any{
		map[string]any{"name": insensitive(Contains, "gold")},
		map[string]any{"rewards": map[string]any{"some": map[string]any{"name": insensitive(Contains, "gold")}}},
	}}, p)

	_, err = b.BuildSearch("gold", "Client", []string{"missing"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestBuilderSearchCoercesTokens(t *testing.T) {
	b, err := NewBuilder(testRegistry(t))
	require.NoError(t, err)
	fields := []string{"name", "points", "active"}

	p, err := b.BuildSearch("123", "Reward", fields)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"OR": []any{
		map[string]any{"name": insensitive(Contains, "123")},
		map[string]any{"points": map[string]any{"equals": int64(123)}},
	}}, p)

	p, err = b.BuildSearch("true", "Reward", fields)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"OR": []any{
		map[string]any{"name": insensitive(Contains, "true")},
		map[string]any{"active": map[string]any{"equals": true}},
	}}, p)

	p, err = b.BuildSearch("gold", "Reward", []string{"points"})
	require.NoError(t, err)
	assert.Equal(t, Nothing(), p)
	ok, err := Match(p, map[string]any{"points": 5})
	require.NoError(t, err)
	assert.False(t, ok)

	// a positional token that fits no field matches nothing at that position
	p, err = b.BuildSearch("gold x 0", "Reward", fields)
	require.NoError(t, err)
	assert.Equal(t, Predicate{"AND": []any{
		map[string]any{"name": insensitive(Contains, "gold")},
		map[string]any(Nothing()),
		map[string]any{"active": map[string]any{"equals": false}},
	}}, p)
}

func TestParseClauses(t *testing.T) {
	cs, err := ParseClauses(`[{"field":"name","operator":"contains","value":"jo"},{"field":"points","value":3}]`)
	require.NoError(t, err)
	assert.Equal(t, []Clause{
		{Field: "name", Operator: Contains, Value: "jo"},
		{Field: "points", Operator: Equals, Value: float64(3)},
	}, cs)

	cs, err = ParseClauses(`{"status":"ACTIVE","name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, []Clause{
		{Field: "status", Operator: Equals, Value: "ACTIVE"},
		{Field: "name", Operator: Equals, Value: "x"},
	}, cs)

	cs, err = ParseClauses("")
	require.NoError(t, err)
	assert.Nil(t, cs)

	for _, bad := range []string{`{`, `"x"`, `[1]`, `[{"value":1}]`} {
		_, err := ParseClauses(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildQuery(t *testing.T) {
	reg := testRegistry(t)
	b, err := NewBuilder(reg)
	require.NoError(t, err)

	scope := Predicate{"client": map[string]any{"id": map[string]any{"equals": "c1"}}}
	q, err := b.BuildQuery(ListParams{
		Filters:      []Clause{{Field: "active", Operator: Equals, Value: true}},
		Search:       "gold",
		SearchFields: []string{"name"},
		Sort:         "-points,name:asc",
		Page:         3,
		PageSize:     500,
		Scope:        scope,
	}, "Reward")
	require.NoError(t, err)
	assert.Equal(t, []Order{{Field: "points", Direction: Desc}, {Field: "name", Direction: Asc}}, q.OrderBy)
	assert.Equal(t, MaxPageSize, q.Take)
	assert.Equal(t, 2*MaxPageSize, q.Skip)
	and := q.Where["AND"].([]any)
	require.Len(t, and, 3)
	assert.Equal(t, map[string]any(scope), and[0])

	_, err = b.BuildQuery(ListParams{Sort: "client"}, "Reward")
	assert.Error(t, err)
	_, err = b.BuildQuery(ListParams{Sort: "name:sideways"}, "Reward")
	assert.Error(t, err)

	q, err = b.BuildQuery(ListParams{}, "Reward")
	require.NoError(t, err)
	assert.Empty(t, q.Where)
	assert.Equal(t, DefaultPageSize, q.Take)
	assert.Equal(t, 0, q.Skip)
}

type slicePersistence struct {
	rows []map[string]any
}

func (s *slicePersistence) Count(_ context.Context, _ string, where Predicate) (int64, error) {
	var n int64
	for _, r := range s.rows {
		if ok, _ := Match(where, r); ok {
			n++
		}
	}
	return n, nil
}

func (s *slicePersistence) FindMany(_ context.Context, _ string, q Query) ([]map[string]any, error) {
	var out []map[string]any
	for _, r := range s.rows {
		if ok, _ := Match(q.Where, r); ok {
			out = append(out, r)
		}
	}
	if q.Skip >= len(out) {
		return nil, nil
	}
	out = out[q.Skip:]
	if q.Take < len(out) {
		out = out[:q.Take]
	}
	return out, nil
}

func TestList(t *testing.T) {
	p := &slicePersistence{}
	for i := 0; i < 5; i++ {
		p.rows = append(p.rows, map[string]any{"id": i, "even": i%2 == 0})
	}
	page, err := List(context.Background(), p, "Row", Query{Where: Predicate{"even": true}, Skip: 2, Take: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 4, page.Items[0]["id"])
}
