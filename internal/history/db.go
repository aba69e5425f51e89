package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Schema for the history database
const schema = `
CREATE TABLE IF NOT EXISTS passes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    trigger_source TEXT,
    success INTEGER NOT NULL,
    duration_ms INTEGER,
    pushed INTEGER DEFAULT 0,
    pulled INTEGER DEFAULT 0,
    created_remote INTEGER DEFAULT 0,
    created_local INTEGER DEFAULT 0,
    lists_created INTEGER DEFAULT 0,
    conflicts INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    error_type TEXT,
    error_message TEXT,
    created_at INTEGER DEFAULT (strftime('%s', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_passes_timestamp ON passes(timestamp);
CREATE INDEX IF NOT EXISTS idx_passes_user ON passes(user_id);
CREATE INDEX IF NOT EXISTS idx_passes_success ON passes(success);
`

// openDB opens or creates the history database at the given path
func openDB(dbPath string) (*sql.DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return db, nil
}
