package sqlite

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration. Already up to date is not an error.
//
// The migrate instance is built on our existing *sql.DB rather than a URL so
// that ":memory:" databases are migrated in place. For the same reason we never
// call m.Close(): it would close the shared connection pool.
func (db *DB) Migrate() error {
	m, src, err := db.newMigrator()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the currently applied migration version.
// A database with no migrations applied reports version 0.
func (db *DB) SchemaVersion() (uint, bool, error) {
	m, src, err := db.newMigrator()
	if err != nil {
		return 0, false, err
	}
	defer src.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

func (db *DB) newMigrator() (*migrate.Migrate, source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("creating migrator: %w", err)
	}

	return m, src, nil
}
