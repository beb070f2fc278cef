package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change. SQL returns the statements for a
// dialect; an empty result skips the migration on that dialect.
type Migration struct {
	Version int
	Name    string
	SQL     func(d Dialect) []string
}

// Migrate applies every migration of a named set that has not been applied yet.
// Applied versions are tracked per set in schema_migrations.
func (c *Connection) Migrate(ctx context.Context, set string, migrations []Migration) error {
	db, err := c.DB()
	if err != nil {
		return err
	}
	d := c.dialect

	if err := createMigrationsTable(ctx, db, d); err != nil {
		return fmt.Errorf("could not create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(ctx, db, d, set, m.Version)
		if err != nil {
			return fmt.Errorf("could not check migration %s/%d: %w", set, m.Version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Classify(err, "begin migration")
		}
		for _, stmt := range m.SQL(d) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("could not apply migration %s/%d (%s): %w", set, m.Version, m.Name, err)
			}
		}
		q := fmt.Sprintf("INSERT INTO schema_migrations (set_name, version, name) VALUES (%s)", d.Placeholders(1, 3))
		if _, err := tx.ExecContext(ctx, q, set, m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("could not record migration %s/%d: %w", set, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return Classify(err, "commit migration")
		}
	}
	return nil
}

// createMigrationsTable creates the migrations tracking table.
func createMigrationsTable(ctx context.Context, db *sql.DB, d Dialect) error {
	var stmt string
	switch d {
	case SQLServer:
		stmt = `
		IF OBJECT_ID(N'schema_migrations', N'U') IS NULL
		CREATE TABLE schema_migrations (
			set_name NVARCHAR(128) NOT NULL,
			version INT NOT NULL,
			name NVARCHAR(256) NOT NULL,
			applied_at DATETIME2 DEFAULT SYSUTCDATETIME(),
			PRIMARY KEY (set_name, version)
		)`
	default:
		stmt = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			set_name TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (set_name, version)
		)`
	}
	_, err := db.ExecContext(ctx, stmt)
	return err
}

// isMigrationApplied checks if a migration has been applied.
func isMigrationApplied(ctx context.Context, db *sql.DB, d Dialect, set string, version int) (bool, error) {
	var count int
	q := fmt.Sprintf("SELECT COUNT(*) FROM schema_migrations WHERE set_name = %s AND version = %s",
		d.Placeholder(1), d.Placeholder(2))
	if err := db.QueryRowContext(ctx, q, set, version).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
