// Package migrate brings the ledger schema up to date on startup. Scripts
// under sql/ apply in filename order; each applied script is recorded in
// schema_migrations so reruns are no-ops.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate applies any pending schema scripts, each in its own transaction.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		done, err := applied(db, name)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := apply(db, name); err != nil {
			return err
		}
	}
	return nil
}

func applied(db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name=?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read schema_migrations: %w", err)
	}
	return true, nil
}

func apply(db *sql.DB, name string) error {
	script, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return tx.Commit()
}
