package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationFiles embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version   string
	Name      string
	UpSQL     string
	DownSQL   string
	Applied   bool
	AppliedAt *time.Time
}

// migrationBackend is the driver-specific half of the migration runner
type migrationBackend interface {
	createMigrationsTable(ctx context.Context) error
	appliedMigrations(ctx context.Context) (map[string]time.Time, error)
	applyMigration(ctx context.Context, m Migration) error
	revertMigration(ctx context.Context, m Migration) error
}

// migrationStatus lists embedded migrations for driver, marked with their applied state
func migrationStatus(ctx context.Context, b migrationBackend, driver string) ([]Migration, error) {
	if err := b.createMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations(migrationFiles, path.Join("migrations", driver))
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := b.appliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for i := range migrations {
		if appliedAt, ok := applied[migrations[i].Version]; ok {
			migrations[i].Applied = true
			at := appliedAt
			migrations[i].AppliedAt = &at
		}
	}

	return migrations, nil
}

// migrateUp applies every pending migration in version order
func migrateUp(ctx context.Context, b migrationBackend, driver string, logger *logrus.Entry) (int, error) {
	migrations, err := migrationStatus(ctx, b, driver)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if m.Applied {
			continue
		}

		logger.WithFields(logrus.Fields{
			"version": m.Version,
			"name":    m.Name,
		}).Info("Applying migration")

		if err := b.applyMigration(ctx, m); err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
		}
		count++
	}

	return count, nil
}

// migrateDown reverts the last applied migration; nil when nothing is applied
func migrateDown(ctx context.Context, b migrationBackend, driver string, logger *logrus.Entry) (*Migration, error) {
	migrations, err := migrationStatus(ctx, b, driver)
	if err != nil {
		return nil, err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		if !migrations[i].Applied {
			continue
		}

		m := migrations[i]
		logger.WithFields(logrus.Fields{
			"version": m.Version,
			"name":    m.Name,
		}).Info("Rolling back migration")

		if err := b.revertMigration(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to rollback migration %s: %w", m.Version, err)
		}
		return &m, nil
	}

	return nil, nil
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		m, err := parseMigration(entry.Name(), string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigration splits a "<version>_<name>.sql" file into its Up and Down sections
func parseMigration(filename, content string) (Migration, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) != 2 {
		return Migration{}, fmt.Errorf("invalid migration filename format: %s", filename)
	}

	var upSQL, downSQL strings.Builder
	var section string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "-- +migrate Up") {
			section = "up"
			continue
		} else if strings.HasPrefix(trimmed, "-- +migrate Down") {
			section = "down"
			continue
		}

		if strings.HasPrefix(trimmed, "--") || trimmed == "" {
			continue
		}

		switch section {
		case "up":
			upSQL.WriteString(line + "\n")
		case "down":
			downSQL.WriteString(line + "\n")
		}
	}

	m := Migration{
		Version: parts[0],
		Name:    strings.TrimSuffix(parts[1], ".sql"),
		UpSQL:   strings.TrimSpace(upSQL.String()),
		DownSQL: strings.TrimSpace(downSQL.String()),
	}
	if m.UpSQL == "" {
		return Migration{}, fmt.Errorf("migration %s has no Up section", filename)
	}

	return m, nil
}
