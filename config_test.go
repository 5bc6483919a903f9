package ability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
version: 1
users:
  - id: u1
    attributes:
      clientId: c42
rules:
  - id: edit-reward
    action: update
    subject: Reward
    conditions:
      clientId: "{{clientId}}"
    fields: [name, plan]
  - id: no-delete
    action: delete
    subject: all
    inverted: true
    reason: deletes go through support
roles:
  - id: editor
    name: Editor
    status: ACTIVE
    rules: [edit-reward, no-delete]
memberships:
  - user_id: u1
    role_id: editor
schemas:
  - name: Reward
    table: rewards
    fields:
      - name: id
      - name: name
      - name: plan
      - name: clientId
        column: client_id
engine:
  lookup_timeout_ms: 250
  strict_fields: true
  max_concurrency: 4
  path_cache_counters: 1000
`

type recordingWriter struct {
	calls []string
}

func (w *recordingWriter) PutRule(ctx context.Context, r *PermissionRule) error {
	w.calls = append(w.calls, "rule:"+r.ID)
	return nil
}

func (w *recordingWriter) PutRole(ctx context.Context, r *Role) error {
	w.calls = append(w.calls, "role:"+r.ID)
	return nil
}

func (w *recordingWriter) PutUser(ctx context.Context, u *User) error {
	w.calls = append(w.calls, "user:"+u.ID)
	return nil
}

func (w *recordingWriter) AssignRole(ctx context.Context, userID, roleID string) error {
	w.calls = append(w.calls, "member:"+userID+"/"+roleID)
	return nil
}

func TestConfigLoadAndApply(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(fixtureYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint16(1), cfg.Version)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, map[string]any{"clientId": "{{clientId}}"}, cfg.Rules[0].Conditions)
	assert.True(t, cfg.Rules[1].Inverted)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	d, ok := reg.Get("Reward")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "plan", "clientId"}, d.ScalarFields())

	w := &recordingWriter{}
	require.NoError(t, ApplyConfig(context.Background(), cfg, w))
	assert.Equal(t, []string{"rule:edit-reward", "rule:no-delete", "role:editor", "user:u1", "member:u1/editor"}, w.calls)
}

func TestConfigEngineOptions(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(fixtureYAML))
	require.NoError(t, err)

	e := &Engine{}
	for _, opt := range cfg.Engine.Options() {
		require.NoError(t, opt(e))
	}
	assert.Equal(t, 250*time.Millisecond, e.lookupTimeout)
	assert.True(t, e.strictFields)
	assert.Equal(t, 4, e.maxConcurrency)
	assert.Len(t, e.filterOpts, 1)

	assert.Empty(t, EngineConfig{}.Options())
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Rules: []*PermissionRule{
			{ID: "a", Action: "read", Subject: "X"},
			{ID: "a", Action: "read", Subject: "X"},
			{ID: "b", Subject: "X"},
		},
		Roles: []*Role{
			{ID: "r", Status: "SUSPENDED", Rules: []string{"missing"}},
		},
		Memberships: []RoleMembership{{UserID: "ghost", RoleID: "nope"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"duplicate rule a", "has no action", "SUSPENDED", "unknown rule missing", "unknown user ghost", "unknown role nope"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.Error(t, ApplyConfig(context.Background(), cfg, &recordingWriter{}))
}

func TestConfigFileFormats(t *testing.T) {
	cfg, err := NewConfigLoader().LoadYAML([]byte(fixtureYAML))
	require.NoError(t, err)
	dir := t.TempDir()

	js, err := cfg.ToJSON()
	require.NoError(t, err)
	jsonPath := filepath.Join(dir, "fixture.json")
	require.NoError(t, os.WriteFile(jsonPath, js, 0o600))
	fromJSON, err := NewConfigLoader().LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Rules, fromJSON.Rules)
	assert.Equal(t, cfg.Engine, fromJSON.Engine)

	_, err = NewConfigLoader().LoadFile(filepath.Join(dir, "fixture.toml"))
	assert.Error(t, err)

	_, err = NewConfigLoader().LoadYAML([]byte("rules: [unterminated"))
	assert.Equal(t, KindParse, KindOf(err))
}
