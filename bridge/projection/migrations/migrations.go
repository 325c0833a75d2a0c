// Package migrations embeds the schema for durable projection snapshots and
// applies it with golang-migrate, mirroring the embedded-SQL layout the rest
// of the codebase uses for schema management.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Apply runs all pending up-migrations against db. It is idempotent: running
// it again once the schema is current is a no-op.
func Apply(dsn string) error {
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("migrations: source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// ensure the postgres driver is linked in even though it is only referenced
// by name through migrate.NewWithSourceInstance's DSN scheme.
var _ = postgres.Config{}
