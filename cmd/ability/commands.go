package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/oarkflow/ability"
	"github.com/oarkflow/ability/filter"
)

// errDenied makes the process exit 1 after the decision has been printed.
var errDenied = errors.New("denied")

func withRuntime(fn func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		rt, err := openRuntime(ctx, s)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(ctx, cmd, rt)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonArg decodes a JSON flag value; an empty flag is nil.
func jsonArg(cmd *cli.Command, name string) (any, error) {
	raw := strings.TrimSpace(cmd.String(name))
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

func checkAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	data, err := jsonArg(cmd, "context")
	if err != nil {
		return err
	}
	mode, err := ability.ParseMode(cmd.String("mode"))
	if err != nil {
		return err
	}
	res := rt.engine.CanUser(ctx, cmd.String("user"), cmd.String("action"), cmd.String("subject"), data, mode)
	if err := writeJSON(cmd.Root().Writer, res); err != nil {
		return err
	}
	if !res.OK {
		return errDenied
	}
	return nil
}

func fieldsAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	instance, err := jsonArg(cmd, "instance")
	if err != nil {
		return err
	}
	subject := cmd.String("subject")
	a, _, err := rt.engine.LoadAbility(ctx, cmd.String("user"), instance)
	if err != nil {
		return err
	}
	fields := ability.PermittedFields(a, cmd.String("action"), subject, instance, ability.SchemaFieldSource(rt.schemas, subject))
	return writeJSON(cmd.Root().Writer, map[string]any{"fields": fields})
}

func updateAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	instance, err := jsonArg(cmd, "instance")
	if err != nil {
		return err
	}
	raw, err := jsonArg(cmd, "payload")
	if err != nil {
		return err
	}
	payload, _ := raw.(map[string]any)
	kept, res := rt.engine.AuthorizeUpdate(ctx, cmd.String("user"), cmd.String("subject"), instance, payload)
	if err := writeJSON(cmd.Root().Writer, map[string]any{"result": res, "payload": kept}); err != nil {
		return err
	}
	if !res.OK {
		return errDenied
	}
	return nil
}

func listParams(cmd *cli.Command) (filter.ListParams, error) {
	clauses, err := filter.ParseClauses(cmd.String("filters"))
	if err != nil {
		return filter.ListParams{}, err
	}
	return filter.ListParams{
		Filters:      clauses,
		Search:       cmd.String("search"),
		SearchFields: cmd.StringSlice("search-field"),
		Sort:         cmd.String("sort"),
		Page:         int(cmd.Int("page")),
		PageSize:     int(cmd.Int("size")),
	}, nil
}

// filterAction prints the query built from the list flags and, for the
// sqlite store, the WHERE clause it compiles to.
func filterAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	params, err := listParams(cmd)
	if err != nil {
		return err
	}
	subject := cmd.String("subject")
	q, err := rt.engine.Filters().BuildQuery(params, subject)
	if err != nil {
		return err
	}
	out := map[string]any{"query": q}
	if rt.compiler != nil {
		where, args, err := rt.compiler.Compile(subject, q.Where)
		if err != nil {
			return err
		}
		out["sql"] = map[string]any{"where": where, "args": args}
	}
	return writeJSON(cmd.Root().Writer, out)
}

func listAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	params, err := listParams(cmd)
	if err != nil {
		return err
	}
	page, err := rt.engine.ListAccessible(ctx, cmd.String("user"), cmd.String("subject"), params)
	if err != nil {
		return err
	}
	return writeJSON(cmd.Root().Writer, page)
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("usage: ability validate <policy file>")
	}
	cfg, err := ability.NewConfigLoader().LoadFile(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "%s: %d users, %d roles, %d rules, %d memberships, %d schemas\n",
		path, len(cfg.Users), len(cfg.Roles), len(cfg.Rules), len(cfg.Memberships), len(cfg.Schemas))
	return nil
}

func convertAction(ctx context.Context, cmd *cli.Command) error {
	in, out := cmd.Args().Get(0), cmd.Args().Get(1)
	if in == "" || out == "" {
		return errors.New("usage: ability convert <input> <output>")
	}
	cfg, err := ability.NewConfigLoader().LoadFile(in)
	if err != nil {
		return err
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(out)) {
	case ".json":
		data, err = cfg.ToJSON()
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	default:
		return fmt.Errorf("unsupported output format: %s", filepath.Ext(out))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "converted %s -> %s\n", in, out)
	return nil
}

// migrateAction creates the schema in the sqlite store and seeds the policy.
func migrateAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	if rt.compiler == nil {
		return errors.New("migrate needs --store sqlite")
	}
	fmt.Fprintf(cmd.Root().Writer, "migrated; seeded %d rules, %d roles, %d users\n",
		len(rt.cfg.Rules), len(rt.cfg.Roles), len(rt.cfg.Users))
	return nil
}

func auditAction(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	f := ability.AuditFilter{
		UserID:  cmd.String("user"),
		Action:  cmd.String("action"),
		Subject: cmd.String("subject"),
		Limit:   int(cmd.Int("limit")),
	}
	if since := cmd.Duration("since"); since > 0 {
		f.StartTime = time.Now().Add(-since)
	}
	entries, err := rt.audit.GetAccessLog(ctx, f)
	if err != nil {
		return err
	}
	return writeJSON(cmd.Root().Writer, entries)
}
