package userstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded migration files of dialect.
func Migrations(dialect Dialect) (fs.FS, goose.Dialect, error) {
	switch dialect {
	case DialectPostgres:
		sub, err := fs.Sub(migrationsFS, "migrations/postgres")
		return sub, goose.DialectPostgres, err
	case DialectSQLite:
		sub, err := fs.Sub(migrationsFS, "migrations/sqlite")
		return sub, goose.DialectSQLite3, err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, dialect)
	}
}

// Migrate applies every pending migration.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, dialect, err := Migrations(s.dialect)
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
