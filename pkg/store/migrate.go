package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations of one dialect.
type Migrator struct {
	migrate *migrate.Migrate
}

// newMigrator binds the migrations to an open connection. The connection
// stays owned by the SQLStore, so the migrator is never closed.
func (s *SQLStore) newMigrator() (*Migrator, error) {
	migrationsDir, err := fs.Sub(migrationsFS, "migrations/"+s.dialect.name)
	if err != nil {
		return nil, fmt.Errorf("failed to access migrations directory: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsDir, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	var dbDriver database.Driver
	switch s.dialect.name {
	case "postgres":
		dbDriver, err = postgres.WithInstance(s.db, &postgres.Config{})
	default:
		dbDriver, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.dialect.name, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return &Migrator{migrate: m}, nil
}

// Up applies all pending migrations.
func (mm *Migrator) Up() error {
	err := mm.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration.
func (mm *Migrator) Down() error {
	err := mm.migrate.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version and dirty state.
func (mm *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = mm.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Migrate brings the schema to the latest version and returns it.
func (s *SQLStore) Migrate() (uint, error) {
	mm, err := s.newMigrator()
	if err != nil {
		return 0, err
	}
	if err := mm.Up(); err != nil {
		return 0, err
	}
	version, dirty, err := mm.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
