package admin

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloo-solutions/lectern/internal/config"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

const defaultMigrationsSource = "file://migrations"

// MigrateCmd applies pending schema migrations and exits.
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			source, _ := cmd.Flags().GetString("source")
			return runMigrations(cfg.DatabaseURL, source)
		},
	}
	cmd.Flags().String("source", defaultMigrationsSource, "Migration source URL")
	return cmd
}

func runMigrations(databaseURL, source string) error {
	log := logger.WithComponent("migrate")

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("no migrations applied")
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	case dirty:
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	case errors.Is(upErr, migrate.ErrNoChange):
		log.Info("database is up to date", "version", version)
	default:
		log.Info("migrations applied", "version", version)
	}
	return nil
}
