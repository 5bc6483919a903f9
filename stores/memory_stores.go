package stores

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/oarkflow/ability"
)

// MemoryStore keeps users, roles, rules and memberships in memory. It
// implements ability.RuleStore, ability.UserStore and ability.ConfigWriter.
// Everything handed out is a deep copy.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*ability.User
	roles       map[string]*ability.Role
	rules       map[string]*ability.PermissionRule
	memberships *MemoryRoleMembershipStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*ability.User),
		roles:       make(map[string]*ability.Role),
		rules:       make(map[string]*ability.PermissionRule),
		memberships: NewMemoryRoleMembershipStore(),
	}
}

func (s *MemoryStore) PutUser(ctx context.Context, u *ability.User) error {
	if u == nil || u.ID == "" {
		return &ability.ValidationError{Field: "user", Msg: "user without id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = deepcopy.Copy(u).(*ability.User)
	return nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, userID string) (*ability.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, &ability.NotFoundError{Entity: "user", ID: userID}
	}
	return deepcopy.Copy(u).(*ability.User), nil
}

func (s *MemoryStore) PutRule(ctx context.Context, r *ability.PermissionRule) error {
	if r == nil || r.ID == "" {
		return &ability.ValidationError{Field: "rule", Msg: "rule without id"}
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*ability.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, &ability.NotFoundError{Entity: "rule", ID: id}
	}
	return r.Clone(), nil
}

// SetRuleDisabled toggles a rule without removing it from its roles.
func (s *MemoryStore) SetRuleDisabled(ctx context.Context, id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return &ability.NotFoundError{Entity: "rule", ID: id}
	}
	r.Disabled = disabled
	return nil
}

func (s *MemoryStore) PutRole(ctx context.Context, r *ability.Role) error {
	if r == nil || r.ID == "" {
		return &ability.ValidationError{Field: "role", Msg: "role without id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepcopy.Copy(r).(*ability.Role)
	if cp.Status == "" {
		cp.Status = ability.RoleActive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.roles[r.ID] = cp
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, id string) (*ability.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, &ability.NotFoundError{Entity: "role", ID: id}
	}
	return deepcopy.Copy(r).(*ability.Role), nil
}

func (s *MemoryStore) SetRoleStatus(ctx context.Context, id string, status ability.RoleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return &ability.NotFoundError{Entity: "role", ID: id}
	}
	r.Status = status
	return nil
}

func (s *MemoryStore) AssignRole(ctx context.Context, userID, roleID string) error {
	return s.memberships.AssignRole(ctx, userID, roleID)
}

func (s *MemoryStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	return s.memberships.RevokeRole(ctx, userID, roleID)
}

func (s *MemoryStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	return s.memberships.ListRoles(ctx, userID)
}

// GetActiveRulesForUser returns the enabled rules of the user's ACTIVE roles
// in membership order, then role order. Unknown users have no rules.
func (s *MemoryStore) GetActiveRulesForUser(ctx context.Context, userID string) ([]*ability.PermissionRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	roleIDs, err := s.memberships.ListRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return resolveRules(ctx, s, roleIDs)
}

// MemoryRoleMembershipStore keeps ordered user->roles lists in memory.
// Re-assigning a role moves it to the end.
type MemoryRoleMembershipStore struct {
	mu    sync.RWMutex
	store map[string][]string
}

func NewMemoryRoleMembershipStore() *MemoryRoleMembershipStore {
	return &MemoryRoleMembershipStore{store: make(map[string][]string)}
}

func (m *MemoryRoleMembershipStore) AssignRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := slices.DeleteFunc(m.store[userID], func(r string) bool { return r == roleID })
	m.store[userID] = append(roles, roleID)
	return nil
}

func (m *MemoryRoleMembershipStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles, ok := m.store[userID]
	if !ok {
		return nil
	}
	m.store[userID] = slices.DeleteFunc(roles, func(r string) bool { return r == roleID })
	return nil
}

func (m *MemoryRoleMembershipStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.store[userID]), nil
}

// MemoryAuditStore implements in-memory decision logging
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*ability.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*ability.AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *ability.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter ability.AuditFilter) ([]*ability.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*ability.AuditEntry, 0)
	for _, entry := range s.entries {
		if !filter.Matches(entry) {
			continue
		}
		cp := *entry
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
