// Package store provides SQLite persistence for the product's task data and
// the sync subsystem's state: integration credentials, entity mappings, sync
// state, and sync conflicts.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the product database.
type Store struct {
	db   *sql.DB
	path string
}

// New opens or creates the database at path and initializes the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS lists (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			color TEXT DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			created TEXT NOT NULL,
			modified TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_lists_user_slug ON lists(user_id, slug);

		CREATE TABLE IF NOT EXISTS labels (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			color TEXT DEFAULT '',
			created TEXT NOT NULL,
			modified TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_labels_user ON labels(user_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			list_id TEXT NOT NULL,
			parent_id TEXT DEFAULT '',
			title TEXT NOT NULL,
			description TEXT DEFAULT '',
			priority INTEGER DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT,
			due_date TEXT,
			due_precision TEXT DEFAULT '',
			deadline TEXT,
			estimate_minutes INTEGER DEFAULT 0,
			recurring INTEGER NOT NULL DEFAULT 0,
			recurring_rule TEXT DEFAULT '',
			created TEXT NOT NULL,
			modified TEXT NOT NULL,
			FOREIGN KEY (list_id) REFERENCES lists(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id);

		CREATE TABLE IF NOT EXISTS task_labels (
			task_id TEXT NOT NULL,
			label_id TEXT NOT NULL,
			PRIMARY KEY (task_id, label_id),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
			FOREIGN KEY (label_id) REFERENCES labels(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS integration_credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_ciphertext TEXT NOT NULL,
			access_iv TEXT NOT NULL,
			access_tag TEXT NOT NULL,
			refresh_ciphertext TEXT DEFAULT '',
			refresh_iv TEXT DEFAULT '',
			refresh_tag TEXT DEFAULT '',
			key_id TEXT NOT NULL,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			UNIQUE (user_id, provider)
		);

		CREATE TABLE IF NOT EXISTS entity_mappings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			local_id TEXT,
			due_precision TEXT DEFAULT '',
			last_synced_at TEXT,
			created TEXT NOT NULL,
			updated TEXT NOT NULL,
			UNIQUE (user_id, provider, entity_type, external_id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_local
			ON entity_mappings(user_id, provider, entity_type, local_id)
			WHERE local_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS sync_states (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			last_synced_at TEXT,
			last_error TEXT DEFAULT '',
			updated TEXT NOT NULL,
			UNIQUE (user_id, provider)
		);

		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			local_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			resolution TEXT DEFAULT '',
			created TEXT NOT NULL,
			resolved_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_conflicts_user ON sync_conflicts(user_id, provider, status);
	`

	// Enable foreign keys
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GenerateID generates a unique identifier using UUID v4.
func GenerateID() string {
	return uuid.New().String()
}

// timeToNullString converts a *time.Time to sql.NullString for database storage.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// parseOptionalDate parses a nullable date string and returns a pointer to time.Time.
func parseOptionalDate(str sql.NullString) *time.Time {
	if str.Valid && str.String != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, str.String); err == nil {
			return &parsed
		}
	}
	return nil
}

// stringToNull converts a *string to sql.NullString.
func stringToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullToString converts a sql.NullString back to a *string.
func nullToString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// boolToInt converts a bool to 1 (true) or 0 (false)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is an interface satisfied by both *sql.Rows and *sql.Row
type scanner interface {
	Scan(dest ...any) error
}
