package db

import (
	"database/sql"
	"errors"
	"fmt"

	"ghlogin/pkg/db/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies every pending embedded migration. It opens and closes its
// own connection; the migrate drivers close the *sql.DB they are handed.
func Migrate(driver, dsn string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}

	var target database.Driver
	switch driver {
	case DriverPostgres:
		target, err = postgres.WithInstance(conn, &postgres.Config{})
	case DriverSQLite:
		target, err = sqlite.WithInstance(conn, &sqlite.Config{})
	default:
		err = fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to init migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		_ = target.Close()
		return fmt.Errorf("failed to init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
