package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/ability"
)

func ruleIDs(rules []*ability.PermissionRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func seedConfig() *ability.Config {
	return &ability.Config{
		Version: 1,
		Users: []*ability.User{
			{ID: "u1", Attributes: map[string]any{"clientId": "c42"}},
			{ID: "u2"},
		},
		Rules: []*ability.PermissionRule{
			{ID: "read-all", Action: "read", Subject: "all"},
			{ID: "edit-own", Action: "update", Subject: "Reward", Conditions: map[string]any{"clientId": "{{clientId}}"}, Fields: []string{"name"}},
			{ID: "no-delete", Action: "delete", Subject: "Reward", Inverted: true},
			{ID: "off", Action: "manage", Subject: "all", Disabled: true},
		},
		Roles: []*ability.Role{
			{ID: "viewer", Name: "Viewer", Status: ability.RoleActive, Rules: []string{"read-all", "off"}},
			{ID: "editor", Name: "Editor", Status: ability.RoleActive, Rules: []string{"edit-own", "read-all", "no-delete"}},
			{ID: "retired", Name: "Retired", Status: ability.RoleInactive, Rules: []string{"read-all"}},
		},
		Memberships: []ability.RoleMembership{
			{UserID: "u1", RoleID: "editor"},
			{UserID: "u1", RoleID: "retired"},
			{UserID: "u1", RoleID: "viewer"},
		},
	}
}

func TestMemoryStoreActiveRulesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, ability.ApplyConfig(ctx, seedConfig(), s))

	rules, err := s.GetActiveRulesForUser(ctx, "u1")
	require.NoError(t, err)
	// membership order, then role order; inactive roles and disabled rules
	// are skipped, shared rules repeat
	assert.Equal(t, []string{"edit-own", "read-all", "no-delete", "read-all"}, ruleIDs(rules))

	none, err := s.GetActiveRulesForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreHandsOutCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, ability.ApplyConfig(ctx, seedConfig(), s))

	rules, err := s.GetActiveRulesForUser(ctx, "u1")
	require.NoError(t, err)
	rules[0].Conditions["clientId"] = "mutated"
	rules[0].Fields[0] = "mutated"

	again, err := s.GetRule(ctx, "edit-own")
	require.NoError(t, err)
	assert.Equal(t, "{{clientId}}", again.Conditions["clientId"])
	assert.Equal(t, []string{"name"}, again.Fields)

	u, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	u.Attributes["clientId"] = "other"
	u2, err := s.GetUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "c42", u2.Attributes["clientId"])
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.GetUserByID(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, ability.KindNotFound, ability.KindOf(err))
	assert.Equal(t, 404, ability.StatusOf(err))

	_, err = s.GetRole(ctx, "ghost")
	assert.Equal(t, ability.KindNotFound, ability.KindOf(err))
}

func TestMemoryStoreStatusAndDisable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, ability.ApplyConfig(ctx, seedConfig(), s))

	require.NoError(t, s.SetRoleStatus(ctx, "editor", ability.RoleInactive))
	require.NoError(t, s.SetRuleDisabled(ctx, "off", false))
	rules, err := s.GetActiveRulesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read-all", "off"}, ruleIDs(rules))
}

func TestMemoryRoleMembershipOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRoleMembershipStore()
	require.NoError(t, m.AssignRole(ctx, "u", "a"))
	require.NoError(t, m.AssignRole(ctx, "u", "b"))
	require.NoError(t, m.AssignRole(ctx, "u", "c"))
	require.NoError(t, m.AssignRole(ctx, "u", "a"))

	roles, err := m.ListRoles(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, roles)

	require.NoError(t, m.RevokeRole(ctx, "u", "c"))
	require.NoError(t, m.RevokeRole(ctx, "nobody", "c"))
	roles, err = m.ListRoles(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, roles)
}

func TestMembershipRuleStoreComposes(t *testing.T) {
	ctx := context.Background()
	roles := NewMemoryStore()
	members := NewMemoryRoleMembershipStore()
	composed := NewMembershipRuleStore(members, roles)

	require.NoError(t, ability.ApplyConfig(ctx, seedConfig(), composed.ConfigWriter(roles)))

	// memberships went to the membership store only
	own, err := roles.ListRoles(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, own)

	rules, err := composed.GetActiveRulesForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"edit-own", "read-all", "no-delete", "read-all"}, ruleIDs(rules))
}

func TestMemoryAuditStoreFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()
	now := time.Now()
	for i, e := range []*ability.AuditEntry{
		{ID: "1", UserID: "u1", Action: "read", Subject: "Reward", Allowed: true, Timestamp: now.Add(-time.Hour)},
		{ID: "2", UserID: "u1", Action: "update", Subject: "Reward", Timestamp: now},
		{ID: "3", UserID: "u2", Action: "read", Subject: "Client", Allowed: true, Timestamp: now},
	} {
		require.NoError(t, s.LogDecision(ctx, e), "entry %d", i)
	}

	got, err := s.GetAccessLog(ctx, ability.AuditFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetAccessLog(ctx, ability.AuditFilter{UserID: "u1", StartTime: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	got, err = s.GetAccessLog(ctx, ability.AuditFilter{Action: "read", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}
