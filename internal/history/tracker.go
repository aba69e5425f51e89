package history

import (
	"database/sql"
	"strings"
	"sync"
	"time"
)

// Tracker records sync pass outcomes.
type Tracker struct {
	db      *sql.DB
	enabled bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewTracker creates a new history tracker.
// If enabled is false, recording is disabled but the database is still created.
func NewTracker(dbPath string, enabled bool) (*Tracker, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	return &Tracker{
		db:      db,
		enabled: enabled,
	}, nil
}

// Close waits for in-flight writes and closes the database connection.
func (t *Tracker) Close() error {
	t.wg.Wait()
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

// RecordPass records a sync pass outcome. The write happens asynchronously
// so it never slows the caller down; Close waits for it to land.
func (t *Tracker) RecordPass(rec Record) {
	if !t.enabled {
		return
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.logRecord(rec)
	}()
}

// logRecord writes a record to the database
func (t *Tracker) logRecord(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, _ = t.db.Exec(`
		INSERT INTO passes (timestamp, user_id, provider, trigger_source, success, duration_ms,
			pushed, pulled, created_remote, created_local, lists_created, conflicts, skipped,
			error_type, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.UserID, rec.Provider, nullString(rec.Trigger), boolToInt(rec.Success),
		rec.DurationMs, rec.Pushed, rec.Pulled, rec.CreatedRemote, rec.CreatedLocal,
		rec.ListsCreated, rec.Conflicts, rec.Skipped, nullString(rec.ErrorType), nullString(rec.ErrorMessage))
}

// ListRecent returns the most recent passes for a user, newest first.
// An empty userID returns passes for all users.
func (t *Tracker) ListRecent(userID string, limit int) ([]Record, error) {
	t.wg.Wait()

	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, timestamp, user_id, provider, trigger_source, success, duration_ms,
		pushed, pulled, created_remote, created_local, lists_created, conflicts, skipped,
		error_type, error_message FROM passes`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		var trigger, errType, errMsg sql.NullString
		var success int
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.UserID, &rec.Provider, &trigger,
			&success, &rec.DurationMs, &rec.Pushed, &rec.Pulled, &rec.CreatedRemote,
			&rec.CreatedLocal, &rec.ListsCreated, &rec.Conflicts, &rec.Skipped,
			&errType, &errMsg); err != nil {
			return nil, err
		}
		rec.Trigger = trigger.String
		rec.Success = success == 1
		rec.ErrorType = errType.String
		rec.ErrorMessage = errMsg.String
		records = append(records, rec)
	}

	if records == nil {
		records = []Record{}
	}
	return records, rows.Err()
}

// Cleanup removes passes older than the specified retention period.
// Returns the number of deleted records.
func (t *Tracker) Cleanup(retentionDays int) (int64, error) {
	t.wg.Wait()

	cutoff := time.Now().Unix() - int64(retentionDays*86400)

	result, err := t.db.Exec("DELETE FROM passes WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Vacuum to reclaim space
	_, _ = t.db.Exec("VACUUM")

	return deleted, nil
}

// CategorizeError categorizes an error into a general type
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return "network"
	case strings.Contains(errStr, "rate limit"):
		return "rate_limit"
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "reconnect"):
		return "auth"
	case strings.Contains(errStr, "conflict"):
		return "conflict"
	case strings.Contains(errStr, "not found"):
		return "not_found"
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "validation"):
		return "validation"
	case strings.Contains(errStr, "in progress"):
		return "busy"
	default:
		return "unknown"
	}
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a bool to 1 (true) or 0 (false)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
