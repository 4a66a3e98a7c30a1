// Package db provides database connections and schema migration management
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db      *sql.DB
	dialect Dialect
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrationRunner creates a migration runner for the given dialect
func NewMigrationRunner(db *sql.DB, dialect Dialect, logger *zap.Logger) (*MigrationRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", dialect, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, migrationsDir(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &MigrationRunner{
		db:      db,
		dialect: dialect,
		migrate: m,
		logger:  logger,
	}, nil
}

// Up runs all pending migrations
func (mr *MigrationRunner) Up() error {
	mr.logger.Info("Running database migrations", zap.String("dialect", string(mr.dialect)))

	err := mr.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		mr.logger.Info("No new migrations to apply")
		return nil
	}

	version, dirty, err := mr.migrate.Version()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}

	mr.logger.Info("Successfully migrated", zap.Uint("version", version))
	return nil
}

// Down rolls back one migration
func (mr *MigrationRunner) Down() error {
	mr.logger.Info("Rolling back last migration")

	err := mr.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		mr.logger.Info("No migrations to roll back")
		return nil
	}

	version, dirty, err := mr.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			mr.logger.Info("Successfully rolled back all migrations")
			return nil
		}
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}

	mr.logger.Info("Successfully rolled back", zap.Uint("version", version))
	return nil
}

// Version returns the current migration version
func (mr *MigrationRunner) Version() (uint, bool, error) {
	version, dirty, err := mr.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations.
// Only meant for fixing a dirty state.
func (mr *MigrationRunner) Force(version int) error {
	mr.logger.Warn("Forcing migration version", zap.Int("version", version))

	if err := mr.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	return nil
}

// Close closes the migration runner together with the database handle it
// was created with
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	return nil
}

// MigrateUp applies all pending migrations on a dedicated connection that is
// closed afterwards
func MigrateUp(dialect Dialect, dsn string, logger *zap.Logger) error {
	conn, err := openRaw(dialect, dsn)
	if err != nil {
		return err
	}

	runner, err := NewMigrationRunner(conn, dialect, logger)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer runner.Close()

	return runner.Up()
}

// ListMigrations returns all migration files available for a dialect
func ListMigrations(dialect Dialect) ([]string, error) {
	var migrations []string
	dir := migrationsDir(dialect)

	err := fs.WalkDir(migrationsFS, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			migrations = append(migrations, path[len(dir)+1:])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	return migrations, nil
}

func migrationsDir(dialect Dialect) string {
	return "migrations/" + string(dialect)
}
