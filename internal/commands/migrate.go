package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/crypto-ingest/internal/app"
	"github.com/crypto-ingest/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long: `Manage the embedded schema migrations of the configured database driver.

Examples:
  crypto-ingest migrate up       # Run all pending migrations
  crypto-ingest migrate down     # Rollback last migration
  crypto-ingest migrate status   # Show migration status`,
}

// migrateUpCmd runs pending migrations
var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Run pending migrations",
	Long:  "Execute all pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store database.Store, logger *logrus.Logger) error {
			n, err := store.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if n == 0 {
				logger.Info("No pending migrations")
				return nil
			}
			logger.WithField("applied", n).Info("Migrations completed successfully")
			return nil
		})
	},
}

// migrateDownCmd rolls back the last migration
var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback migrations",
	Long:  "Rollback the last applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store database.Store, logger *logrus.Logger) error {
			m, err := store.Rollback(ctx)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if m == nil {
				logger.Info("No migrations to rollback")
				return nil
			}
			logger.WithFields(logrus.Fields{
				"version": m.Version,
				"name":    m.Name,
			}).Info("Rolled back migration")
			return nil
		})
	},
}

// migrateStatusCmd shows migration status
var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Display the status of all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store database.Store, logger *logrus.Logger) error {
			migrations, err := store.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, migrations)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withStore runs fn against a connected store without the optional components
func withStore(ctx context.Context, fn func(context.Context, database.Store, *logrus.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.InitializeStore(ctx); err != nil {
		return err
	}

	return fn(ctx, application.Store(), logger)
}

func printMigrationStatus(w io.Writer, migrations []database.Migration) {
	fmt.Fprintln(w, "Migration Status:")
	fmt.Fprintln(w, "=================")
	fmt.Fprintf(w, "%-20s %-30s %-10s %s\n", "Version", "Name", "Status", "Applied At")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, migration := range migrations {
		status := "Pending"
		appliedAt := "-"

		if migration.Applied {
			status = "Applied"
			if migration.AppliedAt != nil {
				appliedAt = migration.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}

		fmt.Fprintf(w, "%-20s %-30s %-10s %s\n",
			migration.Version,
			migration.Name,
			status,
			appliedAt)
	}
}
