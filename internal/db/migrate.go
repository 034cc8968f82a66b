// Package db applies the embedded schema migrations at startup.
package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. The database URL must use the
// pgx5:// scheme understood by the migrate pgx driver; plain postgres://
// URLs are rewritten.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgxURL(databaseURL))
	if err != nil {
		return fmt.Errorf("db: init migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}

func pgxURL(databaseURL string) string {
	const plain = "postgres://"
	if len(databaseURL) > len(plain) && databaseURL[:len(plain)] == plain {
		return "pgx5://" + databaseURL[len(plain):]
	}
	return databaseURL
}
