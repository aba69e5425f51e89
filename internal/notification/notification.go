// Package notification fans daemon sync events out to the desktop and a
// log file so conflicts and failures surface without a terminal attached.
package notification

import (
	"fmt"
	"time"
)

// Type identifies the kind of event a notification reports.
type Type string

const (
	NotifySyncComplete Type = "sync_complete"
	NotifySyncError    Type = "sync_error"
	NotifyConflict     Type = "conflict"
	NotifyTest         Type = "test"
)

// Notification is one event to deliver.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Timestamp time.Time
	Metadata  map[string]string
}

// SyncCompleted reports a finished pass with changes.
func SyncCompleted(userID, summary string) Notification {
	return Notification{
		Type:      NotifySyncComplete,
		Title:     "Sync complete",
		Message:   fmt.Sprintf("user %s: %s", userID, summary),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"user": userID},
	}
}

// SyncFailed reports a pass that ended in error.
func SyncFailed(userID string, err error) Notification {
	return Notification{
		Type:      NotifySyncError,
		Title:     "Sync failed",
		Message:   fmt.Sprintf("user %s: %v", userID, err),
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"user": userID},
	}
}

// ConflictsFound reports new conflicts that need review.
func ConflictsFound(userID string, count int) Notification {
	msg := fmt.Sprintf("user %s: %d conflicts need review", userID, count)
	if count == 1 {
		msg = fmt.Sprintf("user %s: 1 conflict needs review", userID)
	}
	return Notification{
		Type:      NotifyConflict,
		Title:     "Sync conflicts",
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"user": userID},
	}
}

// Manager dispatches notifications to the configured channels.
type Manager interface {
	Send(n Notification) error
	SendAsync(n Notification)
	Close() error
	ChannelCount() int
}

// Channel delivers notifications to one destination.
type Channel interface {
	Send(n Notification) error
	Close() error
}

// Config selects which channels are active.
type Config struct {
	Enabled bool
	OS      OSConfig
	Log     LogConfig
}

// OSConfig controls desktop notifications per event type.
type OSConfig struct {
	Enabled        bool
	OnSyncComplete bool
	OnSyncError    bool
	OnConflict     bool
}

// LogConfig controls the append-only notification log.
type LogConfig struct {
	Enabled   bool
	Path      string
	MaxSizeMB int
}

// CommandExecutor runs an external command. Tests substitute a mock.
type CommandExecutor interface {
	Execute(cmd string, args ...string) error
}

// MockCommandExecutor records or stubs command execution for tests.
type MockCommandExecutor struct {
	ExecuteFunc func(cmd string, args ...string) error
}

func (m *MockCommandExecutor) Execute(cmd string, args ...string) error {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(cmd, args...)
	}
	return nil
}

// Option configures a manager or channel at construction time.
type Option func(interface{})

// WithCommandExecutor substitutes the executor used for desktop notifications.
func WithCommandExecutor(executor CommandExecutor) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.executor = executor
		}
		if mgr, ok := c.(*manager); ok {
			mgr.executor = executor
		}
	}
}

// WithPlatform overrides the detected platform for desktop notifications.
func WithPlatform(platform string) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.platform = platform
		}
	}
}

// WithSendCallback observes every notification that passes the filters.
func WithSendCallback(callback func(Notification)) Option {
	return func(c interface{}) {
		if ch, ok := c.(*osChannel); ok {
			ch.sendCallback = callback
		}
		if mgr, ok := c.(*manager); ok {
			mgr.sendCallback = callback
		}
	}
}
