package storage

import (
	"database/sql"
	"fmt"
)

// Migration is one numbered schema step. Statements run inside a single
// transaction; the version is recorded in the _migrations table on success.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// RunMigrations applies all pending migrations in ascending version order.
// Already-applied versions are skipped, so repeated calls are idempotent.
func RunMigrations(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("migrations: create _migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM _migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrations: read current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrations: begin %d_%s: %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrations: apply %d_%s: %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(`INSERT INTO _migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migrations: record %d_%s: %w", m.Version, m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrations: commit %d_%s: %w", m.Version, m.Name, err)
	}
	return nil
}
