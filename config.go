package ability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/schema"
)

// Config is a complete fixture: principals, roles, rules, memberships,
// entity schemas and engine settings.
type Config struct {
	Version     uint16               `json:"version" yaml:"version"`
	Users       []*User              `json:"users" yaml:"users"`
	Roles       []*Role              `json:"roles" yaml:"roles"`
	Rules       []*PermissionRule    `json:"rules" yaml:"rules"`
	Memberships []RoleMembership     `json:"memberships" yaml:"memberships"`
	Schemas     []*schema.Descriptor `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Engine      EngineConfig         `json:"engine" yaml:"engine"`
}

// RoleMembership assigns a role to a user. Order in the fixture is the
// membership order.
type RoleMembership struct {
	UserID string `json:"user_id" yaml:"user_id"`
	RoleID string `json:"role_id" yaml:"role_id"`
}

type EngineConfig struct {
	LookupTimeoutMS   int64 `json:"lookup_timeout_ms" yaml:"lookup_timeout_ms"`
	StrictFields      bool  `json:"strict_fields" yaml:"strict_fields"`
	StrictFilters     bool  `json:"strict_filters" yaml:"strict_filters"`
	MaxConcurrency    int   `json:"max_concurrency" yaml:"max_concurrency"`
	PathCacheCounters int64 `json:"path_cache_counters" yaml:"path_cache_counters"`
	PathCacheMaxCost  int64 `json:"path_cache_max_cost" yaml:"path_cache_max_cost"`
	PathCacheBuffer   int64 `json:"path_cache_buffer" yaml:"path_cache_buffer"`
}

// Options converts the engine section into EngineOptions. Zero values keep
// the defaults.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.LookupTimeoutMS > 0 {
		opts = append(opts, WithLookupTimeout(time.Duration(c.LookupTimeoutMS)*time.Millisecond))
	}
	if c.StrictFields {
		opts = append(opts, WithStrictFields(true))
	}
	if c.MaxConcurrency > 0 {
		opts = append(opts, WithMaxConcurrency(c.MaxConcurrency))
	}
	var fopts []filter.Option
	if c.StrictFilters {
		fopts = append(fopts, filter.WithStrict(true))
	}
	if c.PathCacheCounters > 0 {
		maxCost, buffer := c.PathCacheMaxCost, c.PathCacheBuffer
		if maxCost <= 0 {
			maxCost = c.PathCacheCounters / 10
		}
		if buffer <= 0 {
			buffer = 64
		}
		fopts = append(fopts, filter.WithPathCache(c.PathCacheCounters, maxCost, buffer))
	}
	if len(fopts) > 0 {
		opts = append(opts, WithFilterOptions(fopts...))
	}
	return opts
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{Err: err}
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &ParseError{Err: err}
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Registry builds a validated schema registry from the fixture schemas.
func (c *Config) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if err := reg.Register(c.Schemas...); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Validate checks references between users, roles, rules and memberships.
func (c *Config) Validate() error {
	var errs []error
	rules := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r == nil {
			continue
		}
		if r.ID == "" {
			errs = append(errs, &ValidationError{Field: "rules", Msg: "rule without id"})
		} else if rules[r.ID] {
			errs = append(errs, &ValidationError{Field: "rules", Msg: "duplicate rule " + r.ID})
		}
		rules[r.ID] = true
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	roles := make(map[string]bool, len(c.Roles))
	for _, role := range c.Roles {
		if role == nil {
			continue
		}
		if roles[role.ID] {
			errs = append(errs, &ValidationError{Field: "roles", Msg: "duplicate role " + role.ID})
		}
		roles[role.ID] = true
		switch role.Status {
		case RoleActive, RoleInactive:
		default:
			errs = append(errs, &ValidationError{Field: "roles", Msg: fmt.Sprintf("role %s has status %q", role.ID, role.Status)})
		}
		for _, id := range role.Rules {
			if !rules[id] {
				errs = append(errs, &ValidationError{Field: "roles", Msg: fmt.Sprintf("role %s references unknown rule %s", role.ID, id)})
			}
		}
	}
	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u != nil {
			users[u.ID] = true
		}
	}
	for _, m := range c.Memberships {
		if !users[m.UserID] {
			errs = append(errs, &ValidationError{Field: "memberships", Msg: "unknown user " + m.UserID})
		}
		if !roles[m.RoleID] {
			errs = append(errs, &ValidationError{Field: "memberships", Msg: "unknown role " + m.RoleID})
		}
	}
	if len(c.Schemas) > 0 {
		if _, err := c.Registry(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConfigWriter is implemented by stores that can be seeded from a Config.
type ConfigWriter interface {
	PutRule(ctx context.Context, r *PermissionRule) error
	PutRole(ctx context.Context, r *Role) error
	PutUser(ctx context.Context, u *User) error
	AssignRole(ctx context.Context, userID, roleID string) error
}

// ApplyConfig validates cfg and writes it into w: rules, roles, users, then
// memberships in fixture order.
func ApplyConfig(ctx context.Context, cfg *Config, w ConfigWriter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, r := range cfg.Rules {
		if err := w.PutRule(ctx, r); err != nil {
			return fmt.Errorf("put rule %s: %w", r.ID, err)
		}
	}
	for _, r := range cfg.Roles {
		if err := w.PutRole(ctx, r); err != nil {
			return fmt.Errorf("put role %s: %w", r.ID, err)
		}
	}
	for _, u := range cfg.Users {
		if err := w.PutUser(ctx, u); err != nil {
			return fmt.Errorf("put user %s: %w", u.ID, err)
		}
	}
	for _, m := range cfg.Memberships {
		if err := w.AssignRole(ctx, m.UserID, m.RoleID); err != nil {
			return fmt.Errorf("assign role %s to %s: %w", m.RoleID, m.UserID, err)
		}
	}
	return nil
}
