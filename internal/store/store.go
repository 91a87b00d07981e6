// Package store implements the durable relational activity store on SQLite.
// It exclusively owns sessions, prompt batches, activities, observations,
// resolution events, plans, governance audit events, and scheduled tasks.
// The vector index is a derivative and must be rebuildable from this store
// alone.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"oakci/internal/logging"
)

// Store is the SQLite-backed activity store. All mutations run in a single
// transaction; writes are serialized by the single-connection pool. VACUUM
// runs only outside transactions.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	machineID string
}

// Open initializes the SQLite database at the given path, creating the
// schema and applying migrations. machineID stamps every row this machine
// produces so that cross-machine backup merges can dedup.
func Open(path, machineID string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening activity store at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and considerably faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path, machineID: machineID}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Activity store ready (schema v%d)", CurrentSchemaVersion)
	return s, nil
}

// initialize creates the schema and runs migrations.
func (s *Store) initialize() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL DEFAULT '',
		source_machine_id TEXT NOT NULL DEFAULT '',
		project_root TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT,
		title TEXT,
		title_manually_edited BOOLEAN NOT NULL DEFAULT 0,
		parent_session_id TEXT,
		parent_reason TEXT,
		transcript_path TEXT,
		summary_embedded BOOLEAN NOT NULL DEFAULT 0,
		first_prompt_preview TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`

	batchesTable := `
	CREATE TABLE IF NOT EXISTS prompt_batches (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt_number INTEGER NOT NULL,
		user_prompt TEXT,
		source_type TEXT NOT NULL DEFAULT 'user',
		classification TEXT,
		plan_file_path TEXT,
		plan_content TEXT,
		response_summary TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		processed BOOLEAN NOT NULL DEFAULT 0,
		observations_extracted INTEGER NOT NULL DEFAULT 0,
		extraction_attempts INTEGER NOT NULL DEFAULT 0,
		extraction_error TEXT,
		UNIQUE(session_id, prompt_number)
	);
	CREATE INDEX IF NOT EXISTS idx_batches_session ON prompt_batches(session_id);
	CREATE INDEX IF NOT EXISTS idx_batches_status ON prompt_batches(status);
	CREATE INDEX IF NOT EXISTS idx_batches_processed ON prompt_batches(processed);
	`

	activitiesTable := `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt_batch_id TEXT,
		tool_name TEXT NOT NULL,
		tool_use_id TEXT NOT NULL DEFAULT '',
		tool_input TEXT,
		tool_output_summary TEXT,
		file_path TEXT,
		success BOOLEAN NOT NULL DEFAULT 1,
		error_message TEXT,
		dedup_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id);
	CREATE INDEX IF NOT EXISTS idx_activities_batch ON activities(prompt_batch_id);
	CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);
	`

	observationsTable := `
	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		memory_type TEXT NOT NULL,
		observation TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		source_session_id TEXT,
		source_batch_id TEXT,
		source_machine_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		superseded_by TEXT,
		session_origin_type TEXT NOT NULL DEFAULT 'mixed',
		importance INTEGER NOT NULL DEFAULT 5,
		archived BOOLEAN NOT NULL DEFAULT 0,
		dedup_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status);
	CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(memory_type);
	CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(source_session_id);
	`

	resolutionTable := `
	CREATE TABLE IF NOT EXISTS resolution_events (
		id TEXT PRIMARY KEY,
		observation_id TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT,
		actor TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolution_obs ON resolution_events(observation_id);
	`

	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		file_path TEXT,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_session ON plans(session_id);
	CREATE INDEX IF NOT EXISTS idx_plans_path ON plans(file_path);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS governance_audit (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_input TEXT,
		file_path TEXT,
		rule_name TEXT,
		action TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'other',
		session_id TEXT,
		agent TEXT,
		message TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON governance_audit(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON governance_audit(tool_name);
	`

	tasksTable := `
	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		next_run_at DATETIME,
		last_run_at DATETIME,
		payload TEXT
	);
	`

	metaTable := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	for _, table := range []string{
		sessionsTable,
		batchesTable,
		activitiesTable,
		observationsTable,
		resolutionTable,
		plansTable,
		auditTable,
		tasksTable,
		metaTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing activity store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. The vector index shares
// this handle so vec tables live in the same file lock domain.
func (s *Store) DB() *sql.DB {
	return s.db
}

// MachineID returns the stable machine id rows are stamped with.
func (s *Store) MachineID() string {
	return s.machineID
}

// Vacuum reclaims space. Must never run inside a transaction; callers pause
// writers first.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("VACUUM")
	return err
}

// CheckInstallRoot records the installation root on first open and warns if
// it has moved since, which usually means the package was reinstalled at a
// different path.
func (s *Store) CheckInstallRoot(root string) (moved bool, previous string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev string
	err = s.db.QueryRow("SELECT value FROM meta WHERE key = 'install_root'").Scan(&prev)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec("INSERT INTO meta (key, value) VALUES ('install_root', ?)", root)
		return false, "", err
	}
	if err != nil {
		return false, "", err
	}
	if prev != root {
		logging.Get(logging.CategoryStore).Warn("Installation root changed: %s -> %s", prev, root)
		_, _ = s.db.Exec("UPDATE meta SET value = ? WHERE key = 'install_root'", root)
		return true, prev, nil
	}
	return false, prev, nil
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"sessions", "prompt_batches", "activities", "observations", "resolution_events", "plans", "governance_audit", "scheduled_tasks"}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// nullStr converts an empty string to NULL for insertion.
func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// nullTime converts a nil *time.Time to NULL.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// strOrEmpty unwraps a nullable text column.
func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// timePtr unwraps a nullable datetime column.
func timePtr(v sql.NullTime) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}
