package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// migration is one numbered up-file in the migrations directory.
type migration struct {
	version int64
	file    string
}

// listMigrations returns the *.up.sql files of dir ordered by version.
// Files whose name does not start with a number are skipped.
func listMigrations(dir string, logger *slog.Logger) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		// e.g. "000001" from "000001_init_schema.up.sql"
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			logger.Warn("skipping migration file with invalid version format", "file", name)
			continue
		}
		out = append(out, migration{version: version, file: name})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// EnsureSchema applies all pending migrations in the migrations directory.
// It creates a schema_migrations table to track applied versions.
func EnsureSchema(ctx context.Context, db *DB, migrationsDir string, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	migrations, err := listMigrations(migrationsDir, logger)
	if err != nil {
		return err
	}
	logger.Info("found migration files", "dir", migrationsDir, "count", len(migrations))

	for _, m := range migrations {
		var applied bool
		err = db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration version %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		logger.Info("applying migration", "file", m.file, "version", m.version)
		content, err := os.ReadFile(filepath.Join(migrationsDir, m.file))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", m.file, err)
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("execute migration %s: %w", m.file, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
			return fmt.Errorf("record migration %s: %w", m.file, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.file, err)
		}
	}

	return nil
}
