package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationDir = "migrations"

// MigrationCommand selects what Migrate does.
type MigrationCommand string

const (
	MigrateUp     MigrationCommand = "up"
	MigrateDown   MigrationCommand = "down"
	MigrateStatus MigrationCommand = "status"
)

// Migrate applies the embedded schema migrations through goose.
func Migrate(ctx context.Context, provider *Provider, command MigrationCommand) error {
	if provider == nil || provider.Pool() == nil {
		return errors.New("postgres: provider is required for migrations")
	}

	db := stdlib.OpenDBFromPool(provider.Pool())
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: goose dialect: %w", err)
	}

	var err error
	switch command {
	case MigrateUp, "":
		err = goose.UpContext(ctx, db, migrationDir)
	case MigrateDown:
		err = goose.DownContext(ctx, db, migrationDir)
	case MigrateStatus:
		err = goose.StatusContext(ctx, db, migrationDir)
	default:
		return fmt.Errorf("postgres: unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("postgres: migrate %s: %w", command, err)
	}
	return nil
}
