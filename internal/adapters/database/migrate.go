package database

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrator applies the embedded goose migrations.
type Migrator struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, logger zerolog.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, errors.Wrap(err, "configure goose")
	}
	return &Migrator{db: db, logger: logger}, nil
}

func (m *Migrator) Up(ctx context.Context) error {
	m.logger.Info().Msg("applying migrations")
	if err := goose.UpContext(ctx, m.db, migrationsDir); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	m.logger.Info().Msg("migrations applied")
	return nil
}

// Down rolls back the latest migration, or down to target when it is set.
func (m *Migrator) Down(ctx context.Context, target int64) error {
	if target > 0 {
		m.logger.Info().Int64("target", target).Msg("rolling back migrations")
		return errors.Wrapf(goose.DownToContext(ctx, m.db, migrationsDir, target), "rollback to version %d", target)
	}
	m.logger.Info().Msg("rolling back latest migration")
	return errors.Wrap(goose.DownContext(ctx, m.db, migrationsDir), "rollback latest migration")
}

func (m *Migrator) Status(ctx context.Context) error {
	return errors.Wrap(goose.StatusContext(ctx, m.db, migrationsDir), "migration status")
}
