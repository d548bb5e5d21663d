// Command migrator applies the embedded schema migrations to DATABASE_URL.
//
//	migrator        # apply all pending migrations
//	migrator down   # roll back every migration
package main

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/atmx/pv-engine/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"))

	down := len(os.Args) > 1 && os.Args[1] == "down"
	if err := run(os.Getenv("DATABASE_URL"), down); err != nil {
		slog.Error("migration run failed", "err", err)
		os.Exit(1)
	}
	slog.Info("migration run finished", "down", down)
}

func run(dsn string, down bool) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init postgres driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read version: %w", err)
	}
	slog.Info("schema version", "version", version, "dirty", dirty)
	return nil
}
