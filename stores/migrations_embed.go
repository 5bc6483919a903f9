package stores

import (
	"context"
	_ "embed"

	"github.com/oarkflow/squealx"
	"github.com/pkg/errors"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate creates the user, role, permission, membership and audit tables.
// It is idempotent.
func Migrate(db *squealx.DB) error {
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}
