// Package history provides local SQLite-based records of sync passes:
// per-pass counters, durations, outcomes, and error categories. It lives in
// its own database file so sync state stays separate from audit data.
package history

import "os"

// Trigger sources for a sync pass.
const (
	TriggerManual  = "manual"
	TriggerDaemon  = "daemon"
	TriggerWatcher = "watcher"
)

// Record is one completed (or failed) sync pass.
type Record struct {
	ID            int64
	Timestamp     int64
	UserID        string
	Provider      string
	Trigger       string // manual, daemon, watcher
	Success       bool
	DurationMs    int64
	Pushed        int
	Pulled        int
	CreatedRemote int
	CreatedLocal  int
	ListsCreated  int
	Conflicts     int
	Skipped       int
	ErrorType     string
	ErrorMessage  string
}

// IsEnabledFromEnv checks the TODOSYNC_HISTORY_ENABLED environment variable
// and returns the effective enabled state. Environment variable overrides
// the config value.
func IsEnabledFromEnv(configEnabled bool) bool {
	envVal := os.Getenv("TODOSYNC_HISTORY_ENABLED")
	if envVal == "" {
		return configEnabled
	}
	return envVal == "true" || envVal == "1"
}
