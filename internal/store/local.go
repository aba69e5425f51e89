package store

import (
	"context"
	"database/sql"
	"time"
)

// List is a local task list.
type List struct {
	ID       string
	UserID   string
	Name     string
	Slug     string
	Color    string
	Position int
	Created  time.Time
	Modified time.Time
}

// Label is a local label.
type Label struct {
	ID       string
	UserID   string
	Name     string
	Color    string
	Created  time.Time
	Modified time.Time
}

// Task is a local task. LabelIDs holds the ids of attached labels.
type Task struct {
	ID              string
	UserID          string
	ListID          string
	ParentID        string
	Title           string
	Description     string
	Priority        int
	Completed       bool
	CompletedAt     *time.Time
	DueDate         *time.Time
	DuePrecision    string // "", day, week, month, year
	Deadline        *time.Time
	EstimateMinutes int
	Recurring       bool
	RecurringRule   string
	LabelIDs        []string
	Created         time.Time
	Modified        time.Time
}

// =============================================================================
// List Operations
// =============================================================================

// GetLists returns the user's lists ordered by position.
func (s *Store) GetLists(ctx context.Context, userID string) ([]List, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, slug, color, position, created, modified FROM lists WHERE user_id = ? ORDER BY position",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var lists []List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, *l)
	}

	if lists == nil {
		lists = []List{}
	}
	return lists, rows.Err()
}

// GetList returns a specific list by ID, nil if it doesn't exist.
func (s *Store) GetList(ctx context.Context, userID, listID string) (*List, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, slug, color, position, created, modified FROM lists WHERE user_id = ? AND id = ?",
		userID, listID,
	)

	l, err := scanList(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ListSlugs returns all slugs in use by the user's lists.
func (s *Store) ListSlugs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT slug FROM lists WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

// MaxListPosition returns the highest list position for the user, 0 when the
// user has no lists.
func (s *Store) MaxListPosition(ctx context.Context, userID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(position) FROM lists WHERE user_id = ?", userID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// CreateList creates a new list. Slug uniqueness per user is enforced by the
// schema; callers derive a free slug first.
func (s *Store) CreateList(ctx context.Context, userID, name, slug string, position int) (*List, error) {
	id := GenerateID()
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO lists (id, user_id, name, slug, color, position, created, modified) VALUES (?, ?, ?, ?, '', ?, ?, ?)",
		id, userID, name, slug, position, nowStr, nowStr,
	)
	if err != nil {
		return nil, err
	}

	return &List{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Slug:     slug,
		Position: position,
		Created:  now,
		Modified: now,
	}, nil
}

func scanList(sc scanner) (*List, error) {
	var l List
	var createdStr, modifiedStr string
	err := sc.Scan(&l.ID, &l.UserID, &l.Name, &l.Slug, &l.Color, &l.Position, &createdStr, &modifiedStr)
	if err != nil {
		return nil, err
	}
	l.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	l.Modified, _ = time.Parse(time.RFC3339Nano, modifiedStr)
	return &l, nil
}

// =============================================================================
// Label Operations
// =============================================================================

// GetLabels returns the user's labels.
func (s *Store) GetLabels(ctx context.Context, userID string) ([]Label, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, color, created, modified FROM labels WHERE user_id = ? ORDER BY name",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var labels []Label
	for rows.Next() {
		var l Label
		var createdStr, modifiedStr string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Color, &createdStr, &modifiedStr); err != nil {
			return nil, err
		}
		l.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
		l.Modified, _ = time.Parse(time.RFC3339Nano, modifiedStr)
		labels = append(labels, l)
	}

	if labels == nil {
		labels = []Label{}
	}
	return labels, rows.Err()
}

// GetLabel returns a specific label by ID, nil if it doesn't exist.
func (s *Store) GetLabel(ctx context.Context, userID, labelID string) (*Label, error) {
	var l Label
	var createdStr, modifiedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, color, created, modified FROM labels WHERE user_id = ? AND id = ?",
		userID, labelID,
	).Scan(&l.ID, &l.UserID, &l.Name, &l.Color, &createdStr, &modifiedStr)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	l.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	l.Modified, _ = time.Parse(time.RFC3339Nano, modifiedStr)
	return &l, nil
}

// CreateLabel creates a new label.
func (s *Store) CreateLabel(ctx context.Context, userID, name, color string) (*Label, error) {
	id := GenerateID()
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO labels (id, user_id, name, color, created, modified) VALUES (?, ?, ?, ?, ?, ?)",
		id, userID, name, color, nowStr, nowStr,
	)
	if err != nil {
		return nil, err
	}

	return &Label{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Color:    color,
		Created:  now,
		Modified: now,
	}, nil
}

// =============================================================================
// Task Operations
// =============================================================================

const taskColumns = `id, user_id, list_id, parent_id, title, description, priority,
	completed, completed_at, due_date, due_precision, deadline, estimate_minutes,
	recurring, recurring_rule, created, modified`

// GetTasks returns all tasks for the user, including completed ones.
func (s *Store) GetTasks(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE user_id = ?", userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		if err := s.loadTaskLabels(ctx, &tasks[i]); err != nil {
			return nil, err
		}
	}

	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// GetTasksByList returns all tasks in a list.
func (s *Store) GetTasksByList(ctx context.Context, userID, listID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE user_id = ? AND list_id = ?", userID, listID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		if err := s.loadTaskLabels(ctx, &tasks[i]); err != nil {
			return nil, err
		}
	}

	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// GetTask returns a specific task, nil if it doesn't exist.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE user_id = ? AND id = ?", userID, taskID,
	)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadTaskLabels(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask adds a new task. The ID is generated when empty.
func (s *Store) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	id := task.ID
	if id == "" {
		id = GenerateID()
	}
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, list_id, parent_id, title, description, priority,
			completed, completed_at, due_date, due_precision, deadline, estimate_minutes,
			recurring, recurring_rule, created, modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, task.UserID, task.ListID, task.ParentID, task.Title, task.Description, task.Priority,
		boolToInt(task.Completed), timeToNullString(task.CompletedAt), timeToNullString(task.DueDate),
		task.DuePrecision, timeToNullString(task.Deadline), task.EstimateMinutes,
		boolToInt(task.Recurring), task.RecurringRule, nowStr, nowStr,
	)
	if err != nil {
		return nil, err
	}

	if err := s.replaceTaskLabels(ctx, id, task.LabelIDs); err != nil {
		return nil, err
	}

	created := *task
	created.ID = id
	created.Created = now
	created.Modified = now
	return &created, nil
}

// UpdateTask modifies an existing task and replaces its label set.
func (s *Store) UpdateTask(ctx context.Context, task *Task) (*Task, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET list_id = ?, parent_id = ?, title = ?, description = ?, priority = ?,
			completed = ?, completed_at = ?, due_date = ?, due_precision = ?, deadline = ?,
			estimate_minutes = ?, recurring = ?, recurring_rule = ?, modified = ?
		 WHERE id = ? AND user_id = ?`,
		task.ListID, task.ParentID, task.Title, task.Description, task.Priority,
		boolToInt(task.Completed), timeToNullString(task.CompletedAt), timeToNullString(task.DueDate),
		task.DuePrecision, timeToNullString(task.Deadline), task.EstimateMinutes,
		boolToInt(task.Recurring), task.RecurringRule, nowStr,
		task.ID, task.UserID,
	)
	if err != nil {
		return nil, err
	}

	if err := s.replaceTaskLabels(ctx, task.ID, task.LabelIDs); err != nil {
		return nil, err
	}

	// Fetch the updated task to get all fields including Created
	return s.GetTask(ctx, task.UserID, task.ID)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, userID, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND user_id = ?", taskID, userID)
	return err
}

// loadTaskLabels populates a task's LabelIDs from the join table.
func (s *Store) loadTaskLabels(ctx context.Context, task *Task) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT label_id FROM task_labels WHERE task_id = ? ORDER BY label_id", task.ID,
	)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	task.LabelIDs = ids
	return rows.Err()
}

// replaceTaskLabels replaces the task's label set.
func (s *Store) replaceTaskLabels(ctx context.Context, taskID string, labelIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_labels WHERE task_id = ?", taskID); err != nil {
		return err
	}
	for _, labelID := range labelIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_labels (task_id, label_id) VALUES (?, ?)", taskID, labelID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// scanTask scans a task from any scanner (Rows or Row). Labels are loaded
// separately.
func scanTask(sc scanner) (*Task, error) {
	var t Task
	var completed, recurring int
	var completedAtStr, dueDateStr, deadlineStr sql.NullString
	var createdStr, modifiedStr string

	err := sc.Scan(
		&t.ID, &t.UserID, &t.ListID, &t.ParentID, &t.Title, &t.Description, &t.Priority,
		&completed, &completedAtStr, &dueDateStr, &t.DuePrecision, &deadlineStr, &t.EstimateMinutes,
		&recurring, &t.RecurringRule, &createdStr, &modifiedStr,
	)
	if err != nil {
		return nil, err
	}

	t.Completed = completed != 0
	t.Recurring = recurring != 0
	t.CompletedAt = parseOptionalDate(completedAtStr)
	t.DueDate = parseOptionalDate(dueDateStr)
	t.Deadline = parseOptionalDate(deadlineStr)
	t.Created, _ = time.Parse(time.RFC3339Nano, createdStr)
	t.Modified, _ = time.Parse(time.RFC3339Nano, modifiedStr)
	return &t, nil
}
