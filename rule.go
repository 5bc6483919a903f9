package ability

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohae/deepcopy"
)

// ============================================================================
// RULES, ROLES, USERS
// ============================================================================

const (
	ActionManage = "manage"
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"

	SubjectAll = "all"
)

// PermissionRule grants (or, when Inverted, forbids) Action on Subject for
// instances matching Conditions. Conditions may hold "{{path}}" placeholders
// that are resolved per check.
type PermissionRule struct {
	ID         string         `json:"id" yaml:"id"`
	Action     string         `json:"action" yaml:"action"`
	Subject    string         `json:"subject" yaml:"subject"`
	Conditions map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Fields     []string       `json:"fields,omitempty" yaml:"fields,omitempty"`
	Inverted   bool           `json:"inverted,omitempty" yaml:"inverted,omitempty"`
	Reason     string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Disabled   bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Clone returns a deep copy; stores hand out clones so callers never share
// condition maps.
func (r *PermissionRule) Clone() *PermissionRule {
	if r == nil {
		return nil
	}
	return deepcopy.Copy(r).(*PermissionRule)
}

func (r *PermissionRule) Validate() error {
	switch {
	case strings.TrimSpace(r.Action) == "":
		return &ValidationError{Field: "action", Msg: fmt.Sprintf("rule %q has no action", r.ID)}
	case strings.TrimSpace(r.Subject) == "":
		return &ValidationError{Field: "subject", Msg: fmt.Sprintf("rule %q has no subject", r.ID)}
	}
	return nil
}

func (r *PermissionRule) matchesAction(action string) bool {
	return r.Action == action || r.Action == ActionManage
}

func (r *PermissionRule) matchesSubject(subject string) bool {
	return r.Subject == subject || r.Subject == SubjectAll
}

func (r *PermissionRule) hasConditions() bool {
	return len(r.Conditions) > 0
}

type RoleStatus string

const (
	RoleActive   RoleStatus = "ACTIVE"
	RoleInactive RoleStatus = "INACTIVE"
)

// Role bundles an ordered list of rule ids. Rules may be shared by roles.
type Role struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Status    RoleStatus `json:"status" yaml:"status"`
	CreatedBy string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Rules     []string   `json:"rules,omitempty" yaml:"rules,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func (r *Role) Active() bool { return r != nil && r.Status == RoleActive }

// User is the acting principal. Attributes feed rule interpolation.
type User struct {
	ID         string         `json:"id" yaml:"id"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Context is the user as seen by "{{user.*}}" placeholders.
func (u *User) Context() map[string]any {
	out := make(map[string]any, len(u.Attributes)+1)
	for k, v := range u.Attributes {
		out[k] = v
	}
	out["id"] = u.ID
	return out
}

// Mode selects how CanUser checks.
type Mode string

const (
	// ModeFull checks the instance against rule conditions.
	ModeFull Mode = "FULL"
	// ModePartial only asks whether some instance of the subject could be acted on.
	ModePartial Mode = "PARTIAL"
	// ModeBoth runs PARTIAL then FULL and reports both.
	ModeBoth Mode = "BOTH"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return ModeFull, nil
	case ModeFull, ModePartial, ModeBoth:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Msg: fmt.Sprintf("unknown mode %q", s)}
}
