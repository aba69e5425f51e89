// Package todoist implements the provider contract against the Todoist API.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"todosync/internal/ratelimit"
	"todosync/provider"
)

const (
	// DefaultBaseURL is the Todoist API base URL
	DefaultBaseURL = "https://api.todoist.com"

	// apiPrefix is the unified v1 API path prefix
	apiPrefix = "/api/v1"
)

// Client implements provider.Provider using the Todoist unified API.
// All requests go through a rate-limiting HTTP client that honors
// Retry-After and backs off exponentially on 429s.
type Client struct {
	config  provider.Config
	http    *ratelimit.Client
	stats   *ratelimit.Stats
	baseURL string
}

// New creates a new Todoist client.
func New(cfg provider.Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("todoist API token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	header.Set("Content-Type", "application/json")

	stats := ratelimit.NewStats()
	rl := ratelimit.NewClient(ratelimit.Config{
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.BaseDelay,
		EnableJitter: true,
		Header:       header,
		Timeout:      cfg.Timeout,
		Stats:        stats,
		Provider:     "todoist",
	})

	return &Client{
		config:  cfg,
		http:    rl,
		stats:   stats,
		baseURL: baseURL,
	}, nil
}

// Stats returns the rate-limit statistics for this client.
func (c *Client) Stats() *ratelimit.Stats {
	return c.stats
}

// Close closes the client.
func (c *Client) Close() error {
	return nil
}

// doRequest performs an authenticated Todoist API request.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	url := c.baseURL + apiPrefix + path

	var bodyReader *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	if bodyReader != nil {
		return c.http.Do(ctx, method, url, bodyReader)
	}
	return c.http.Do(ctx, method, url, nil)
}

// statusError maps an unexpected response status to an error, wrapping the
// provider sentinels for auth and not-found cases.
func statusError(resp *http.Response, action string) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", action, resp.StatusCode, provider.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%s: status %d: %w", action, resp.StatusCode, provider.ErrNotFound)
	default:
		return fmt.Errorf("%s: status %d", action, resp.StatusCode)
	}
}

// pagedQuery builds the query string for cursor-paginated listings.
func pagedQuery(cursor string, limit int) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// =============================================================================
// Wire Types
// =============================================================================

type todoistProject struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsArchived bool   `json:"is_archived"`
	InboxProj  bool   `json:"inbox_project"`
}

type todoistLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type todoistDue struct {
	Date        string `json:"date"`
	Datetime    string `json:"datetime,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
	String      string `json:"string,omitempty"`
}

type todoistDeadline struct {
	Date string `json:"date"`
}

type todoistDuration struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

type todoistTask struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	ParentID    string           `json:"parent_id"`
	Content     string           `json:"content"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	Labels      []string         `json:"labels"`
	Checked     bool             `json:"checked"`
	Due         *todoistDue      `json:"due"`
	Deadline    *todoistDeadline `json:"deadline"`
	Duration    *todoistDuration `json:"duration"`
	AddedAt     string           `json:"added_at"`
	UpdatedAt   string           `json:"updated_at"`
	CompletedAt string           `json:"completed_at"`
}

func toProject(p todoistProject) provider.Project {
	return provider.Project{
		ID:         p.ID,
		Name:       p.Name,
		Color:      p.Color,
		IsInbox:    p.InboxProj,
		IsArchived: p.IsArchived,
	}
}

func toLabel(l todoistLabel) provider.Label {
	return provider.Label{
		ID:    l.ID,
		Name:  l.Name,
		Color: l.Color,
	}
}

func toTask(t todoistTask) provider.Task {
	task := provider.Task{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		ParentID:    t.ParentID,
		Content:     t.Content,
		Description: t.Description,
		Priority:    t.Priority,
		Labels:      t.Labels,
		Completed:   t.Checked,
	}

	if t.Due != nil {
		task.Due = &provider.Due{
			Date:        t.Due.Date,
			Datetime:    t.Due.Datetime,
			IsRecurring: t.Due.IsRecurring,
			Text:        t.Due.String,
		}
	}
	if t.Deadline != nil {
		task.Deadline = &provider.Deadline{Date: t.Deadline.Date}
	}
	if t.Duration != nil {
		task.Duration = &provider.Duration{
			Amount: t.Duration.Amount,
			Unit:   t.Duration.Unit,
		}
	}

	if added, err := time.Parse(time.RFC3339, t.AddedAt); err == nil {
		task.AddedAt = added
	}
	if updated, err := time.Parse(time.RFC3339, t.UpdatedAt); err == nil {
		task.UpdatedAt = updated
	}
	if t.CompletedAt != "" {
		if completed, err := time.Parse(time.RFC3339, t.CompletedAt); err == nil {
			task.CompletedAt = &completed
		}
	}

	return task
}

// =============================================================================
// Project and Label Operations
// =============================================================================

// GetProjects returns one page of projects.
func (c *Client) GetProjects(ctx context.Context, cursor string, limit int) (provider.Page[provider.Project], error) {
	var page provider.Page[provider.Project]

	resp, err := c.doRequest(ctx, http.MethodGet, "/projects"+pagedQuery(cursor, limit), nil)
	if err != nil {
		return page, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return page, statusError(resp, "failed to get projects")
	}

	var body struct {
		Results    []todoistProject `json:"results"`
		NextCursor *string          `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return page, err
	}

	page.Results = make([]provider.Project, len(body.Results))
	for i, p := range body.Results {
		page.Results[i] = toProject(p)
	}
	if body.NextCursor != nil {
		page.NextCursor = *body.NextCursor
	}
	return page, nil
}

// GetLabels returns one page of labels.
func (c *Client) GetLabels(ctx context.Context, cursor string, limit int) (provider.Page[provider.Label], error) {
	var page provider.Page[provider.Label]

	resp, err := c.doRequest(ctx, http.MethodGet, "/labels"+pagedQuery(cursor, limit), nil)
	if err != nil {
		return page, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return page, statusError(resp, "failed to get labels")
	}

	var body struct {
		Results    []todoistLabel `json:"results"`
		NextCursor *string        `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return page, err
	}

	page.Results = make([]provider.Label, len(body.Results))
	for i, l := range body.Results {
		page.Results[i] = toLabel(l)
	}
	if body.NextCursor != nil {
		page.NextCursor = *body.NextCursor
	}
	return page, nil
}

// GetLabel returns a specific label by ID.
func (c *Client) GetLabel(ctx context.Context, id string) (*provider.Label, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/labels/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "failed to get label")
	}

	var l todoistLabel
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, err
	}

	label := toLabel(l)
	return &label, nil
}

// =============================================================================
// Task Operations
// =============================================================================

// GetTasks returns one page of active tasks.
func (c *Client) GetTasks(ctx context.Context, cursor string, limit int) (provider.Page[provider.Task], error) {
	var page provider.Page[provider.Task]

	resp, err := c.doRequest(ctx, http.MethodGet, "/tasks"+pagedQuery(cursor, limit), nil)
	if err != nil {
		return page, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return page, statusError(resp, "failed to get tasks")
	}

	var body struct {
		Results    []todoistTask `json:"results"`
		NextCursor *string       `json:"next_cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return page, err
	}

	page.Results = make([]provider.Task, len(body.Results))
	for i, t := range body.Results {
		page.Results[i] = toTask(t)
	}
	if body.NextCursor != nil {
		page.NextCursor = *body.NextCursor
	}
	return page, nil
}

// GetTask returns a specific task by ID. A vanished task surfaces as
// provider.ErrNotFound.
func (c *Client) GetTask(ctx context.Context, id string) (*provider.Task, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/tasks/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "failed to get task")
	}

	var t todoistTask
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, err
	}

	task := toTask(t)
	return &task, nil
}

// GetTasksByID fetches tasks by id. Ids whose task no longer exists are
// skipped rather than failing the whole batch.
func (c *Client) GetTasksByID(ctx context.Context, ids []string) ([]provider.Task, error) {
	tasks := make([]provider.Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// taskBody builds the request body shared by create and update.
func taskBody(payload *provider.TaskPayload) map[string]interface{} {
	body := map[string]interface{}{
		"content":  payload.Content,
		"priority": payload.Priority,
	}

	if payload.Description != "" {
		body["description"] = payload.Description
	}

	switch {
	case payload.DueText != "":
		body["due_string"] = payload.DueText
	case payload.DueDatetime != "":
		body["due_datetime"] = payload.DueDatetime
	case payload.DueDate != "":
		body["due_date"] = payload.DueDate
	}

	if payload.DeadlineDate != "" {
		body["deadline_date"] = payload.DeadlineDate
	}

	if payload.DurationAmount > 0 {
		body["duration"] = payload.DurationAmount
		unit := payload.DurationUnit
		if unit == "" {
			unit = "minute"
		}
		body["duration_unit"] = unit
	}

	return body
}

// CreateTask creates a new task. An empty ProjectID places it in the inbox.
func (c *Client) CreateTask(ctx context.Context, payload *provider.TaskPayload) (*provider.Task, error) {
	body := taskBody(payload)

	if payload.ProjectID != "" {
		body["project_id"] = payload.ProjectID
	}
	if payload.ParentID != "" {
		body["parent_id"] = payload.ParentID
	}
	if len(payload.Labels) > 0 {
		body["labels"] = payload.Labels
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "failed to create task")
	}

	var created todoistTask
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, err
	}

	task := toTask(created)
	return &task, nil
}

// UpdateTask updates a task's mutable fields. The payload is desired state:
// labels are always replaced, and an empty due clears the remote due date.
// Placement (project/parent) changes go through MoveTask, completion through
// Close/Reopen.
func (c *Client) UpdateTask(ctx context.Context, id string, payload *provider.TaskPayload) (*provider.Task, error) {
	body := taskBody(payload)

	// Full-state push: always send labels, clear the due when unset.
	body["labels"] = payload.Labels
	if payload.DueText == "" && payload.DueDatetime == "" && payload.DueDate == "" {
		body["due_string"] = "no date"
	}
	if payload.DeadlineDate == "" {
		body["deadline_date"] = nil
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks/"+id, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "failed to update task")
	}

	var updated todoistTask
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		return nil, err
	}

	task := toTask(updated)
	return &task, nil
}

// MoveTask moves a task to a project root or under a parent task.
func (c *Client) MoveTask(ctx context.Context, id string, mv provider.Move) error {
	body := map[string]interface{}{}
	switch {
	case mv.ParentID != "":
		body["parent_id"] = mv.ParentID
	case mv.ProjectID != "":
		body["project_id"] = mv.ProjectID
	default:
		return fmt.Errorf("move requires a project or parent id")
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks/"+id+"/move", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp, "failed to move task")
	}
	return nil
}

// CloseTask marks a task completed.
func (c *Client) CloseTask(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks/"+id+"/close", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, "failed to close task")
	}
	return nil
}

// ReopenTask reopens a completed task.
func (c *Client) ReopenTask(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/tasks/"+id+"/reopen", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, "failed to reopen task")
	}
	return nil
}

// Verify interface compliance at compile time
var _ provider.Provider = (*Client)(nil)

// init registers the todoist provider
func init() {
	provider.Register("todoist", func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}
