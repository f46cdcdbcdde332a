package postgres

import (
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies all pending schema migrations. golang-migrate takes
// a postgres advisory lock internally, so concurrent worker starts are
// safe. A schema that is already current is a no-op.
func RunMigrations(log *logger.Logger, databaseURL string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return apperr.Fatal.New("load embedded migrations: %v", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, toPgxURL(databaseURL))
	if err != nil {
		return apperr.Fatal.New("create migrate instance: %v", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("database schema is up to date")
		return nil
	}
	if err != nil {
		return apperr.Fatal.New("apply migrations: %v", err)
	}

	version, dirty, _ := m.Version()
	log.WithFields(map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	}).Info("database migrations applied")
	return nil
}

// MigrateDown rolls back the given number of migrations. Used by the admin
// CLI only.
func MigrateDown(log *logger.Logger, databaseURL string, steps int) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return apperr.Fatal.New("load embedded migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, toPgxURL(databaseURL))
	if err != nil {
		return apperr.Fatal.New("create migrate instance: %v", err)
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperr.Fatal.New("roll back migrations: %v", err)
	}
	log.Infof("rolled back %d migration(s)", steps)
	return nil
}

// toPgxURL converts a postgres:// URL to the pgx5:// scheme golang-migrate
// expects for its pgx v5 driver.
func toPgxURL(dbURL string) string {
	if rest, ok := strings.CutPrefix(dbURL, "postgres://"); ok {
		return "pgx5://" + rest
	}
	if rest, ok := strings.CutPrefix(dbURL, "postgresql://"); ok {
		return "pgx5://" + rest
	}
	return dbURL
}
