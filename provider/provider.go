// Package provider defines the remote task-provider contract consumed by the
// sync engine, the typed wire records it exchanges, and a registry of
// available implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sentinel errors shared by all provider implementations. Implementations
// wrap these with %w so callers can branch with errors.Is.
var (
	// ErrNotFound reports a remote entity that no longer exists (HTTP 404).
	// Per-entity: the sync pass skips the entity, it does not abort.
	ErrNotFound = errors.New("remote entity not found")

	// ErrUnauthorized reports a rejected token (HTTP 401/403). Pass-wide:
	// the sync pass aborts and the integration needs reconnection.
	ErrUnauthorized = errors.New("provider rejected credentials")
)

// Project is a remote task container (a Todoist project).
type Project struct {
	ID         string
	Name       string
	Color      string
	IsInbox    bool
	IsArchived bool
}

// Label is a remote label.
type Label struct {
	ID    string
	Name  string
	Color string
}

// Due is a remote due descriptor. Date is always set when Due is present;
// Datetime additionally carries a clock time. Text holds the provider's
// human-readable recurrence string when IsRecurring is true.
type Due struct {
	Date        string // YYYY-MM-DD
	Datetime    string // RFC3339, empty for date-only dues
	IsRecurring bool
	Text        string
}

// Deadline is a remote hard-deadline date, distinct from Due.
type Deadline struct {
	Date string // YYYY-MM-DD
}

// Duration is a remote time estimate.
type Duration struct {
	Amount int
	Unit   string // "minute" or "day"
}

// Task is a remote task as returned by the provider.
type Task struct {
	ID          string
	ProjectID   string
	ParentID    string
	Content     string
	Description string
	Priority    int // provider scale 1-4, 4 = highest
	Labels      []string
	Completed   bool
	Due         *Due
	Deadline    *Deadline
	Duration    *Duration
	AddedAt     time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// TaskPayload is the mutable subset of a task sent on create and update.
// Empty ProjectID on create places the task in the provider's inbox; empty
// ParentID places it at the project root.
type TaskPayload struct {
	Content        string
	Description    string
	ProjectID      string
	ParentID       string
	Priority       int // provider scale 1-4
	Labels         []string
	DueDate        string // YYYY-MM-DD, empty = no due date
	DueDatetime    string // RFC3339, wins over DueDate when set
	DueText        string // recurrence text, wins over both when set
	DeadlineDate   string // YYYY-MM-DD
	DurationAmount int
	DurationUnit   string
}

// Move describes a placement change. Exactly one of ProjectID or ParentID
// must be set: moving to a project puts the task at that project's root,
// moving under a parent keeps the parent's project.
type Move struct {
	ProjectID string
	ParentID  string
}

// Page is one page of a cursor-paginated listing. An empty NextCursor ends
// the chain.
type Page[T any] struct {
	Results    []T
	NextCursor string
}

// Provider is the remote API surface the sync engine depends on.
type Provider interface {
	// Paginated listings. Pass an empty cursor for the first page; follow
	// NextCursor until it comes back empty.
	GetProjects(ctx context.Context, cursor string, limit int) (Page[Project], error)
	GetLabels(ctx context.Context, cursor string, limit int) (Page[Label], error)
	GetTasks(ctx context.Context, cursor string, limit int) (Page[Task], error)

	// Point reads.
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTasksByID(ctx context.Context, ids []string) ([]Task, error)
	GetLabel(ctx context.Context, id string) (*Label, error)

	// Task mutations. Completion is toggled via Close/Reopen, never through
	// UpdateTask.
	CreateTask(ctx context.Context, payload *TaskPayload) (*Task, error)
	UpdateTask(ctx context.Context, id string, payload *TaskPayload) (*Task, error)
	MoveTask(ctx context.Context, id string, mv Move) error
	CloseTask(ctx context.Context, id string) error
	ReopenTask(ctx context.Context, id string) error

	// Connection management
	Close() error
}

// DefaultPageLimit is the page size used by the Collect helpers.
const DefaultPageLimit = 200

// Collect follows a cursor chain to completion and returns all results.
// Correctness of a sync pass requires the full chain, so Collect never
// returns partial data alongside an error.
func Collect[T any](ctx context.Context, limit int, fetch func(ctx context.Context, cursor string, limit int) (Page[T], error)) ([]T, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	var all []T
	cursor := ""
	for {
		page, err := fetch(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// FindLabelByName searches labels by name (case-insensitive). Returns nil if
// no match is found.
func FindLabelByName(labels []Label, name string) *Label {
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return &l
		}
	}
	return nil
}

// FindProjectByName searches projects by name (case-insensitive). Returns nil
// if no match is found.
func FindProjectByName(projects []Project, name string) *Project {
	for _, p := range projects {
		if strings.EqualFold(p.Name, name) {
			return &p
		}
	}
	return nil
}

// Config holds the settings a factory needs to open a provider connection.
type Config struct {
	Token      string
	BaseURL    string // override for testing
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration // per-request timeout, 0 = client default
}

// Factory creates a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provider implementation available under a name.
// Implementations call this from init().
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open creates a Provider by registered name.
func Open(name string, cfg Config) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s (available: %s)", name, strings.Join(Names(), ", "))
	}
	return factory(cfg)
}

// Names returns the registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
