package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/ability"
	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/logger"
	"github.com/oarkflow/ability/schema"
	"github.com/oarkflow/ability/stores"
)

type auditLog interface {
	ability.AuditSink
	GetAccessLog(ctx context.Context, f ability.AuditFilter) ([]*ability.AuditEntry, error)
}

// runtime is everything a command needs: the loaded policy, the engine and
// the storage behind it.
type runtime struct {
	cfg     *ability.Config
	schemas *schema.Registry
	engine  *ability.Engine
	log     logger.Logger

	audit       auditLog
	persistence filter.Persistence
	// compiler is set for the sqlite store only.
	compiler *stores.SQLPersistence
	closers  []func() error
}

func newLogger(s settings) (logger.Logger, error) {
	switch s.LogFormat {
	case "phuslu", "":
		return logger.NewPhusluLogger(), nil
	case "zap":
		level, err := zapcore.ParseLevel(s.LogLevel)
		if err != nil {
			return nil, err
		}
		return logger.NewZapLogger(nil, level)
	case "slog":
		var level slog.Level
		if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
			return nil, err
		}
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return logger.NewSLogLogger(slog.New(h)), nil
	case "none":
		return logger.NewNullLogger(), nil
	}
	return nil, fmt.Errorf("unsupported log format %q (phuslu, zap, slog or none)", s.LogFormat)
}

// loadPolicy reads the policy fixture; a missing path yields an empty one.
func loadPolicy(path string) (*ability.Config, error) {
	if path == "" {
		return &ability.Config{}, nil
	}
	return ability.NewConfigLoader().LoadFile(path)
}

func openRuntime(ctx context.Context, s settings) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if rt.log, err = newLogger(s); err != nil {
		return nil, err
	}
	if rt.cfg, err = loadPolicy(s.Policy); err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if err = rt.cfg.Validate(); err != nil {
		return nil, err
	}
	if rt.schemas, err = rt.cfg.Registry(); err != nil {
		return nil, err
	}

	var (
		rules  ability.RuleStore
		users  ability.UserStore
		roles  stores.RoleSource
		writer ability.ConfigWriter
	)
	switch s.Store {
	case "sqlite":
		sqlDB, db, err := openSQLite(s.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sqlDB.Close)
		st := stores.NewSQLStore(db)
		rules, users, roles, writer = st, st, st, st
		if rt.audit, err = stores.NewSQLAuditStore(db); err != nil {
			return nil, err
		}
		rt.compiler = stores.NewSQLPersistence(db, rt.schemas)
		rt.persistence = rt.compiler
	default:
		st := stores.NewMemoryStore()
		rules, users, roles, writer = st, st, st, st
		rt.audit = stores.NewMemoryAuditStore()
		mem := stores.NewMemoryPersistence(rt.schemas)
		if err = loadRows(mem, s.Data); err != nil {
			return nil, err
		}
		rt.persistence = mem
	}

	if s.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		rt.closers = append(rt.closers, client.Close)
		if err = client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", s.RedisAddr, err)
		}
		members := stores.NewMembershipRuleStore(stores.NewRedisRoleMembershipStore(client), roles)
		rules = members
		writer = members.ConfigWriter(writer)
	}

	if err = ability.ApplyConfig(ctx, rt.cfg, writer); err != nil {
		return nil, fmt.Errorf("seed policy: %w", err)
	}

	opts := []ability.EngineOption{
		ability.WithLogger(rt.log),
		ability.WithSchemas(rt.schemas),
		ability.WithPersistence(rt.persistence),
		ability.WithAuditSink(rt.audit),
	}
	opts = append(opts, rt.cfg.Engine.Options()...)
	if rt.engine, err = ability.NewEngine(rules, users, opts...); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		rt.engine.Close()
		return nil
	})
	return rt, nil
}

func openSQLite(dsn string) (*sql.DB, *squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	// one writer; also keeps ":memory:" on a single database
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "ability")
	if err := stores.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return sqlDB, db, nil
}

// loadRows fills the in-memory tables from a {"Subject": [rows...]} file.
func loadRows(p *stores.MemoryPersistence, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tables map[string][]any
	if err := json.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("data file %s: %w", path, err)
	}
	for subject, rows := range tables {
		if err := p.Insert(subject, rows...); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && r.log != nil {
			r.log.Warn("close failed", "error", err)
		}
	}
	r.closers = nil
}
