// Versioned schema migration system for the activity store. Migrations are
// idempotent and ordered; the applied set persists in schema_versions so an
// old database upgrades safely in place.
package store

import (
	"database/sql"
	"fmt"

	"oakci/internal/logging"
)

// Schema versions:
// v1: Base tables (sessions, prompt_batches, activities, observations,
//     resolution_events, plans, governance_audit, scheduled_tasks, meta)
// v2: Extraction bookkeeping columns on prompt_batches
// v3: first_prompt_preview on sessions
const CurrentSchemaVersion = 3

// Migration defines an additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column migrations for databases created before the
// column existed. Table creation in store.go already includes them; these
// handle old files.
var pendingMigrations = []Migration{
	{"prompt_batches", "observations_extracted", "INTEGER NOT NULL DEFAULT 0"},
	{"prompt_batches", "extraction_attempts", "INTEGER NOT NULL DEFAULT 0"},
	{"prompt_batches", "extraction_error", "TEXT"},
	{"sessions", "first_prompt_preview", "TEXT"},
	{"sessions", "summary_embedded", "BOOLEAN NOT NULL DEFAULT 0"},
}

// RunMigrations applies schema migrations for existing databases and records
// the current version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	skipped := 0

	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; not fatal.
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			skipped++
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if applied > 0 || GetSchemaVersion(db) < CurrentSchemaVersion {
		if err := SetSchemaVersion(db, CurrentSchemaVersion); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to record schema version: %v", err)
		}
	}

	logging.StoreDebug("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableColumns returns the column names of a table in declaration order.
// querier is the query surface shared by *sql.DB and *sql.Tx. Import runs
// schema probes through its open transaction; with a single connection a
// probe against the db would wait on the connection the transaction holds.
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func tableColumns(db querier, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, or 0 for a fresh
// database.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT version FROM schema_versions ORDER BY applied_at DESC LIMIT 1").Scan(&version); err != nil {
		return 0
	}
	return version
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}
	_, err := db.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, fmt.Sprintf("Migrated to schema version %d", version),
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	logging.Store("Schema version set to %d", version)
	return nil
}
