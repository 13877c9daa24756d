package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/database"
	"github.com/sofatutor/deckguard/internal/database/migrations"
	"github.com/sofatutor/deckguard/internal/logging"
)

type migrateOptions struct {
	driver      string
	path        string
	databaseURL string
	logLevel    string
}

func newMigrateCmd() *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Database migration management commands for applying, rolling back, and checking migration status.`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.driver, "driver", "", "Database driver: sqlite, postgres, mysql (default $DB_DRIVER or sqlite)")
	pf.StringVar(&opts.path, "db", "", "Path to SQLite database (default $DATABASE_PATH)")
	pf.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL or MySQL connection string (default $DATABASE_URL)")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level for migration output")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, r *migrations.MigrationRunner) error {
					if err := r.Up(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Rollback the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, r *migrations.MigrationRunner) error {
					if err := r.Down(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back successfully")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "status",
			Aliases: []string{"version"},
			Short:   "Show current migration version",
			Long:    `Display the current migration version. Returns 0 if no migrations have been applied.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, r *migrations.MigrationRunner) error {
					version, err := r.Status(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
					return nil
				})
			},
		},
	)
	return cmd
}

// databaseConfig resolves flags over the environment. It runs after the
// .env file is loaded.
func (o *migrateOptions) databaseConfig() (database.FullConfig, error) {
	driver, err := database.ParseDriver(firstNonEmpty(o.driver, config.EnvOrDefault("DB_DRIVER", string(database.DriverSQLite))))
	if err != nil {
		return database.FullConfig{}, err
	}
	cfg := database.DefaultFullConfig()
	cfg.Driver = driver
	cfg.Path = firstNonEmpty(o.path, config.EnvOrDefault("DATABASE_PATH", config.DefaultConfig().DatabasePath))
	cfg.DatabaseURL = firstNonEmpty(o.databaseURL, config.EnvOrDefault("DATABASE_URL", ""))
	return cfg, nil
}

func (o *migrateOptions) run(cmd *cobra.Command, fn func(context.Context, *migrations.MigrationRunner) error) error {
	cfg, err := o.databaseConfig()
	if err != nil {
		return err
	}
	migrations.SetLogger(logging.NewLoggerWithSink(o.logLevel, "console", zapcore.AddSync(cmd.ErrOrStderr())))

	ctx := cmd.Context()
	db, err := database.OpenForMigrations(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()
	return fn(ctx, db.Migrator())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
