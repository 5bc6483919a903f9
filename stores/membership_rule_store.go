package stores

import (
	"context"

	"github.com/pkg/errors"

	"github.com/oarkflow/ability"
)

// RoleMembershipStore is an ordered user->roles mapping.
type RoleMembershipStore interface {
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	ListRoles(ctx context.Context, userID string) ([]string, error)
}

var (
	_ RoleMembershipStore = (*MemoryRoleMembershipStore)(nil)
	_ RoleMembershipStore = (*RedisRoleMembershipStore)(nil)
	_ RoleMembershipStore = (*SQLStore)(nil)

	_ ability.RuleStore    = (*MemoryStore)(nil)
	_ ability.UserStore    = (*MemoryStore)(nil)
	_ ability.ConfigWriter = (*MemoryStore)(nil)
	_ ability.RuleStore    = (*SQLStore)(nil)
	_ ability.UserStore    = (*SQLStore)(nil)
	_ ability.ConfigWriter = (*SQLStore)(nil)
	_ ability.RuleStore    = (*MembershipRuleStore)(nil)
	_ ability.AuditSink    = (*MemoryAuditStore)(nil)
	_ ability.AuditSink    = (*SQLAuditStore)(nil)
)

// MembershipRuleStore is a RuleStore whose memberships live in one store
// (e.g. Redis) and whose roles and rules live in another.
type MembershipRuleStore struct {
	members RoleMembershipStore
	roles   RoleSource
}

func NewMembershipRuleStore(members RoleMembershipStore, roles RoleSource) *MembershipRuleStore {
	return &MembershipRuleStore{members: members, roles: roles}
}

func (s *MembershipRuleStore) GetActiveRulesForUser(ctx context.Context, userID string) ([]*ability.PermissionRule, error) {
	roleIDs, err := s.members.ListRoles(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list roles of %s", userID)
	}
	return resolveRules(ctx, s.roles, roleIDs)
}

// membershipWriter routes AssignRole to the membership store and everything
// else to the role store.
type membershipWriter struct {
	ability.ConfigWriter
	members RoleMembershipStore
}

func (w membershipWriter) AssignRole(ctx context.Context, userID, roleID string) error {
	return w.members.AssignRole(ctx, userID, roleID)
}

// ConfigWriter returns a writer seeding rules, roles and users into base and
// memberships into s's membership store.
func (s *MembershipRuleStore) ConfigWriter(base ability.ConfigWriter) ability.ConfigWriter {
	return membershipWriter{ConfigWriter: base, members: s.members}
}
