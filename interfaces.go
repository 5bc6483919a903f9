package ability

import "context"

// ============================================================================
// COLLABORATORS
// ============================================================================

// RuleStore returns the rules reachable from a user's ACTIVE roles, in
// membership order then role order. Duplicates are kept.
type RuleStore interface {
	GetActiveRulesForUser(ctx context.Context, userID string) ([]*PermissionRule, error)
}

// UserStore returns a *NotFoundError for unknown ids.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
}
