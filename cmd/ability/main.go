package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// checkFlags and listFlags return fresh flags per command; parsed state lives
// in the flag values.
func checkFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Acting user `ID`", Required: true},
		&cli.StringFlag{Name: "action", Aliases: []string{"a"}, Usage: "Action to check", Required: true},
		&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Subject type to check", Required: true},
	}, extra...)
}

func listFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Subject type to query", Required: true},
		&cli.StringFlag{Name: "filters", Aliases: []string{"f"}, Usage: "Filter clauses as a JSON array or object"},
		&cli.StringFlag{Name: "search", Usage: "Free-text search term"},
		&cli.StringSliceFlag{Name: "search-field", Usage: "Field searched by --search. Can be specified multiple times."},
		&cli.StringFlag{Name: "sort", Usage: "Sort order such as \"name:asc,-points\""},
		&cli.IntFlag{Name: "page", Value: 1},
		&cli.IntFlag{Name: "size", Value: 20},
	}, extra...)
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "ability",
		Usage: "Evaluate and inspect attribute-based permissions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "policy", Aliases: []string{"p"}, Usage: "Load users, roles, rules and schemas from `FILE` (.yaml or .json)"},
			&cli.StringFlag{Name: "data", Usage: "Seed the memory store with rows from `FILE` ({\"Subject\": [rows]})"},
			&cli.StringFlag{Name: "store", Usage: "Rule and row storage: memory or sqlite", Value: "memory"},
			&cli.StringFlag{Name: "dsn", Usage: "SQLite data source for --store sqlite"},
			&cli.StringFlag{Name: "redis-addr", Usage: "Keep role memberships in Redis at `ADDR`"},
			&cli.StringFlag{Name: "log", Usage: "Log format: phuslu, zap, slog or none", Value: "phuslu"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Decide whether a user may perform an action on a subject",
				Flags: checkFlags(
					&cli.StringFlag{Name: "context", Aliases: []string{"c"}, Usage: "Context data as JSON; the instance for FULL checks"},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "FULL, PARTIAL or BOTH", Value: "FULL"},
				),
				Action: withRuntime(checkAction),
			},
			{
				Name:  "fields",
				Usage: "List the fields a user may touch for an action",
				Flags: checkFlags(
					&cli.StringFlag{Name: "instance", Aliases: []string{"i"}, Usage: "Instance as JSON"},
				),
				Action: withRuntime(fieldsAction),
			},
			{
				Name:  "update",
				Usage: "Authorize an update and strip fields the user may not write",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true},
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true},
					&cli.StringFlag{Name: "instance", Aliases: []string{"i"}, Usage: "Stored instance as JSON"},
					&cli.StringFlag{Name: "payload", Usage: "Update payload as a JSON object", Required: true},
				},
				Action: withRuntime(updateAction),
			},
			{
				Name:   "filter",
				Usage:  "Build the query for a list request without running it",
				Flags:  listFlags(),
				Action: withRuntime(filterAction),
			},
			{
				Name:  "list",
				Usage: "List the rows of a subject a user may read",
				Flags: listFlags(
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true},
				),
				Action: withRuntime(listAction),
			},
			{
				Name:  "audit",
				Usage: "Show recorded decisions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}},
					&cli.StringFlag{Name: "action", Aliases: []string{"a"}},
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}},
					&cli.DurationFlag{Name: "since", Usage: "Only decisions newer than this"},
					&cli.IntFlag{Name: "limit", Value: 100},
				},
				Action: withRuntime(auditAction),
			},
			{
				Name:      "validate",
				Usage:     "Check a policy file for broken references",
				ArgsUsage: "<policy file>",
				Action:    validateAction,
			},
			{
				Name:      "convert",
				Usage:     "Convert a policy file between YAML and JSON",
				ArgsUsage: "<input> <output>",
				Action:    convertAction,
			},
			{
				Name:   "migrate",
				Usage:  "Create the sqlite schema and seed it from --policy",
				Action: withRuntime(migrateAction),
			},
		},
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintln(os.Stderr, "ability:", err)
		}
		os.Exit(1)
	}
}
