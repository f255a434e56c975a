package tracestore

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/drosthq/drost/internal/config"
)

// newMigrator wires the embedded migration set for the backend onto an
// already-open connection.
func newMigrator(db *sql.DB, backend string) (*migrate.Migrate, error) {
	var (
		fsys   embed.FS
		dir    string
		driver database.Driver
		err    error
	)
	switch backend {
	case "sqlite":
		fsys, dir = sqliteMigrations, "migrations/sqlite"
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case "postgres":
		fsys, dir = postgresMigrations, "migrations/postgres"
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return nil, fmt.Errorf("unknown migration backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, backend, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// migrateUp applies all pending embedded migrations on an already-open
// connection.
func migrateUp(db *sql.DB, backend string) error {
	m, err := newMigrator(db, backend)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Migrator opens the configured backend and hands back a handle the migrate
// CLI drives directly. Open already applies pending migrations; this exists
// for explicit rollback, version pinning, and recovery from dirty states.
// The cleanup func closes both the handle and the underlying connection.
func Migrator(cfg config.TracesConfig) (*migrate.Migrate, func(), error) {
	var (
		db      *sql.DB
		err     error
		backend string
	)
	switch cfg.Backend {
	case "", "sqlite":
		backend = "sqlite"
		path := config.ExpandHome(cfg.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create traces dir: %w", err)
		}
		db, err = sql.Open("sqlite", path)
	case "postgres":
		backend = "postgres"
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres backend needs DROST_POSTGRES_DSN")
		}
		db, err = sql.Open("pgx", cfg.PostgresDSN)
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open traces db: %w", err)
	}
	m, err := newMigrator(db, backend)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	cleanup := func() {
		m.Close()
		db.Close()
	}
	return m, cleanup, nil
}
