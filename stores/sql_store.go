package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/pkg/errors"

	"github.com/oarkflow/ability"
)

// SQLStore persists users, roles, rules and memberships in SQL (squealx).
// Run Migrate first.
type SQLStore struct {
	db *squealx.DB
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PutUser(ctx context.Context, u *ability.User) error {
	attrs, err := marshalJSON(u.Attributes, "{}")
	if err != nil {
		return errors.Wrapf(err, "encode attributes of user %s", u.ID)
	}
	q := `INSERT INTO users(id, attributes_json, created_at) VALUES(:id, :attributes_json, :created_at)
		ON CONFLICT(id) DO UPDATE SET attributes_json = excluded.attributes_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"id": u.ID, "attributes_json": attrs, "created_at": time.Now()})
	return errors.Wrapf(err, "put user %s", u.ID)
}

func (s *SQLStore) GetUserByID(ctx context.Context, userID string) (*ability.User, error) {
	q := `SELECT id, attributes_json FROM users WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, &ability.NotFoundError{Entity: "user", ID: userID}
	}
	var id, attrsJSON string
	if err := r.Scan(&id, &attrsJSON); err != nil {
		return nil, err
	}
	u := &ability.User{ID: id}
	if err := json.Unmarshal([]byte(attrsJSON), &u.Attributes); err != nil {
		return nil, errors.Wrapf(err, "decode attributes of user %s", id)
	}
	return u, nil
}

func (s *SQLStore) PutRule(ctx context.Context, r *ability.PermissionRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cond, err := marshalJSON(r.Conditions, "{}")
	if err != nil {
		return errors.Wrapf(err, "encode conditions of rule %s", r.ID)
	}
	fields, err := marshalJSON(r.Fields, "[]")
	if err != nil {
		return errors.Wrapf(err, "encode fields of rule %s", r.ID)
	}
	q := `INSERT INTO permissions(id, action, subject, conditions_json, fields_json, inverted, reason, disabled, created_at)
		VALUES(:id, :action, :subject, :conditions_json, :fields_json, :inverted, :reason, :disabled, :created_at)
		ON CONFLICT(id) DO UPDATE SET action = excluded.action, subject = excluded.subject,
			conditions_json = excluded.conditions_json, fields_json = excluded.fields_json,
			inverted = excluded.inverted, reason = excluded.reason, disabled = excluded.disabled`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              r.ID,
		"action":          r.Action,
		"subject":         r.Subject,
		"conditions_json": cond,
		"fields_json":     fields,
		"inverted":        boolToInt(r.Inverted),
		"reason":          r.Reason,
		"disabled":        boolToInt(r.Disabled),
		"created_at":      time.Now(),
	})
	return errors.Wrapf(err, "put rule %s", r.ID)
}

func (s *SQLStore) SetRuleDisabled(ctx context.Context, id string, disabled bool) error {
	q := `UPDATE permissions SET disabled = :disabled WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "disabled": boolToInt(disabled)})
	return err
}

const ruleColumns = `p.id, p.action, p.subject, p.conditions_json, p.fields_json, p.inverted, p.reason, p.disabled`

func (s *SQLStore) GetRule(ctx context.Context, id string) (*ability.PermissionRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM permissions p WHERE p.id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, &ability.NotFoundError{Entity: "rule", ID: id}
	}
	return scanRule(r)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(r scanner) (*ability.PermissionRule, error) {
	var id, action, subject, condJSON, fieldsJSON, reason string
	var inverted, disabled int
	if err := r.Scan(&id, &action, &subject, &condJSON, &fieldsJSON, &inverted, &reason, &disabled); err != nil {
		return nil, err
	}
	rule := &ability.PermissionRule{
		ID:       id,
		Action:   action,
		Subject:  subject,
		Inverted: inverted != 0,
		Reason:   reason,
		Disabled: disabled != 0,
	}
	if err := json.Unmarshal([]byte(condJSON), &rule.Conditions); err != nil {
		return nil, errors.Wrapf(err, "decode conditions of rule %s", id)
	}
	if len(rule.Conditions) == 0 {
		rule.Conditions = nil
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rule.Fields); err != nil {
		return nil, errors.Wrapf(err, "decode fields of rule %s", id)
	}
	if len(rule.Fields) == 0 {
		rule.Fields = nil
	}
	return rule, nil
}

// PutRole upserts the role and replaces its rule list. The statements are
// not transactional; a failed call leaves the rule list partially written.
func (s *SQLStore) PutRole(ctx context.Context, role *ability.Role) error {
	status := role.Status
	if status == "" {
		status = ability.RoleActive
	}
	created := role.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO roles(id, name, status, created_by, created_at) VALUES(:id, :name, :status, :created_by, :created_at)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status, created_by = excluded.created_by`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id": role.ID, "name": role.Name, "status": string(status), "created_by": role.CreatedBy, "created_at": created,
	}); err != nil {
		return errors.Wrapf(err, "put role %s", role.ID)
	}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = :role_id`, map[string]any{"role_id": role.ID}); err != nil {
		return errors.Wrapf(err, "clear rules of role %s", role.ID)
	}
	for i, ruleID := range role.Rules {
		q := `INSERT INTO role_permissions(role_id, permission_id, position) VALUES(:role_id, :permission_id, :position)`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": role.ID, "permission_id": ruleID, "position": i}); err != nil {
			return errors.Wrapf(err, "link rule %s to role %s", ruleID, role.ID)
		}
	}
	return nil
}

func (s *SQLStore) SetRoleStatus(ctx context.Context, id string, status ability.RoleStatus) error {
	q := `UPDATE roles SET status = :status WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "status": string(status)})
	return err
}

func (s *SQLStore) GetRole(ctx context.Context, id string) (*ability.Role, error) {
	q := `SELECT id, name, status, created_by, created_at FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	var idv, name, status, createdBy string
	var createdRaw interface{}
	found := r.Next()
	if found {
		err = r.Scan(&idv, &name, &status, &createdBy, &createdRaw)
	} else {
		err = r.Err()
	}
	r.Close()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ability.NotFoundError{Entity: "role", ID: id}
	}
	role := &ability.Role{ID: idv, Name: name, Status: ability.RoleStatus(status), CreatedBy: createdBy, CreatedAt: scanTime(createdRaw)}

	q = `SELECT permission_id FROM role_permissions WHERE role_id = :role_id ORDER BY position`
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": id})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ruleID string
		if err := rows.Scan(&ruleID); err != nil {
			return nil, err
		}
		role.Rules = append(role.Rules, ruleID)
	}
	return role, rows.Err()
}

// AssignRole appends roleID to the user's memberships; re-assigning moves it
// to the end.
func (s *SQLStore) AssignRole(ctx context.Context, userID, roleID string) error {
	q := `INSERT INTO user_roles(user_id, role_id, position)
		VALUES(:user_id, :role_id, (SELECT COALESCE(MAX(position), -1) + 1 FROM user_roles WHERE user_id = :user_id))
		ON CONFLICT(user_id, role_id) DO UPDATE SET position = excluded.position`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role_id": roleID})
	return err
}

func (s *SQLStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	q := `DELETE FROM user_roles WHERE user_id = :user_id AND role_id = :role_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role_id": roleID})
	return err
}

func (s *SQLStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	out := make([]string, 0)
	q := `SELECT role_id FROM user_roles WHERE user_id = :user_id ORDER BY position`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var role string
		if err := r.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, r.Err()
}

// GetActiveRulesForUser resolves memberships, roles and rules in one query.
// A rule shared by two roles is returned twice. An active role that
// references a missing rule is an error, as in MemoryStore.
func (s *SQLStore) GetActiveRulesForUser(ctx context.Context, userID string) ([]*ability.PermissionRule, error) {
	params := map[string]any{"user_id": userID, "status": string(ability.RoleActive)}
	if err := s.danglingRule(ctx, params); err != nil {
		return nil, err
	}
	q := `SELECT ` + ruleColumns + `
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = :user_id AND r.status = :status AND p.disabled = 0
		ORDER BY ur.position, rp.position`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*ability.PermissionRule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, r.Err()
}

func (s *SQLStore) danglingRule(ctx context.Context, params map[string]any) error {
	q := `SELECT rp.role_id, rp.permission_id
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = :user_id AND r.status = :status AND p.id IS NULL
		ORDER BY ur.position, rp.position
		LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return err
	}
	defer r.Close()
	if !r.Next() {
		return r.Err()
	}
	var roleID, ruleID string
	if err := r.Scan(&roleID, &ruleID); err != nil {
		return err
	}
	return errors.Wrapf(&ability.NotFoundError{Entity: "rule", ID: ruleID}, "role %s", roleID)
}

// SQLAuditStore persists decisions in the audit_log table
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *ability.AuditEntry) error {
	q := `INSERT INTO audit_log(id, trace_id, timestamp, user_id, action, subject, mode, allowed, reason, error_kind)
		VALUES(:id, :trace_id, :timestamp, :user_id, :action, :subject, :mode, :allowed, :reason, :error_kind)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         entry.ID,
		"trace_id":   entry.TraceID,
		"timestamp":  entry.Timestamp,
		"user_id":    entry.UserID,
		"action":     entry.Action,
		"subject":    entry.Subject,
		"mode":       string(entry.Mode),
		"allowed":    boolToInt(entry.Allowed),
		"reason":     entry.Reason,
		"error_kind": string(entry.ErrorKind),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter ability.AuditFilter) ([]*ability.AuditEntry, error) {
	q := `SELECT id, trace_id, timestamp, user_id, action, subject, mode, allowed, reason, error_kind FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Subject != "" {
		q += " AND subject = :subject"
		params["subject"] = filter.Subject
	}
	if start := sqlNullTimeOrNil(filter.StartTime); start != nil {
		q += " AND timestamp >= :start"
		params["start"] = start
	}
	if end := sqlNullTimeOrNil(filter.EndTime); end != nil {
		q += " AND timestamp <= :end"
		params["end"] = end
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*ability.AuditEntry, 0)
	for r.Next() {
		var id, traceID, userID, action, subject, mode, reason, errorKind string
		var timestampRaw interface{}
		var allowed int
		if err := r.Scan(&id, &traceID, &timestampRaw, &userID, &action, &subject, &mode, &allowed, &reason, &errorKind); err != nil {
			return nil, err
		}
		out = append(out, &ability.AuditEntry{
			ID:        id,
			TraceID:   traceID,
			Timestamp: scanTime(timestampRaw),
			UserID:    userID,
			Action:    action,
			Subject:   subject,
			Mode:      ability.Mode(mode),
			Allowed:   allowed != 0,
			Reason:    reason,
			ErrorKind: ability.Kind(errorKind),
		})
	}
	return out, r.Err()
}
