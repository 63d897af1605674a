package repo

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the warehouse schema to the latest version. A failure here is
// fatal at startup; the scheduler must not run against a partial schema.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil { return fmt.Errorf("open database: %w", err) }
	defer func() { _ = db.Close() }()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil { return fmt.Errorf("load migrations: %w", err) }
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil { return fmt.Errorf("migration driver: %w", err) }
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil { return fmt.Errorf("init migrations: %w", err) }
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
