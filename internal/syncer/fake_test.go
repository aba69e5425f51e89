package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"todosync/provider"
)

// fakeProvider is an in-memory provider.Provider. Listings paginate with an
// integer-offset cursor so the engine's cursor handling gets exercised.
type fakeProvider struct {
	projects []provider.Project
	labels   []provider.Label
	tasks    []*provider.Task

	nextID int
	ops    []string
	fail   map[string]error // op name → injected error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{fail: make(map[string]error)}
}

func (f *fakeProvider) addTask(t provider.Task) *provider.Task {
	cp := t
	if cp.AddedAt.IsZero() {
		cp.AddedAt = time.Now().UTC()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.AddedAt
	}
	f.tasks = append(f.tasks, &cp)
	return &cp
}

func (f *fakeProvider) task(id string) *provider.Task {
	for _, t := range f.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f *fakeProvider) removeTask(id string) {
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return
		}
	}
}

func (f *fakeProvider) op(name string) error {
	f.ops = append(f.ops, name)
	return f.fail[name]
}

func page[T any](items []T, cursor string, limit int) (provider.Page[T], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return provider.Page[T]{}, fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	if limit <= 0 {
		limit = 2
	}

	end := start + limit
	next := ""
	if end >= len(items) {
		end = len(items)
	} else {
		next = strconv.Itoa(end)
	}
	return provider.Page[T]{Results: items[start:end], NextCursor: next}, nil
}

func (f *fakeProvider) GetProjects(ctx context.Context, cursor string, limit int) (provider.Page[provider.Project], error) {
	if err := f.op("GetProjects"); err != nil {
		return provider.Page[provider.Project]{}, err
	}
	return page(f.projects, cursor, limit)
}

func (f *fakeProvider) GetLabels(ctx context.Context, cursor string, limit int) (provider.Page[provider.Label], error) {
	if err := f.op("GetLabels"); err != nil {
		return provider.Page[provider.Label]{}, err
	}
	return page(f.labels, cursor, limit)
}

// GetTasks lists active tasks only, like the real API.
func (f *fakeProvider) GetTasks(ctx context.Context, cursor string, limit int) (provider.Page[provider.Task], error) {
	if err := f.op("GetTasks"); err != nil {
		return provider.Page[provider.Task]{}, err
	}
	var active []provider.Task
	for _, t := range f.tasks {
		if !t.Completed {
			active = append(active, *t)
		}
	}
	return page(active, cursor, limit)
}

func (f *fakeProvider) GetTask(ctx context.Context, id string) (*provider.Task, error) {
	if err := f.op("GetTask"); err != nil {
		return nil, err
	}
	t := f.task(id)
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", provider.ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeProvider) GetTasksByID(ctx context.Context, ids []string) ([]provider.Task, error) {
	if err := f.op("GetTasksByID"); err != nil {
		return nil, err
	}
	var found []provider.Task
	for _, id := range ids {
		if t := f.task(id); t != nil {
			found = append(found, *t)
		}
	}
	return found, nil
}

func (f *fakeProvider) GetLabel(ctx context.Context, id string) (*provider.Label, error) {
	if err := f.op("GetLabel"); err != nil {
		return nil, err
	}
	for _, l := range f.labels {
		if l.ID == id {
			cp := l
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: label %s", provider.ErrNotFound, id)
}

func (f *fakeProvider) CreateTask(ctx context.Context, payload *provider.TaskPayload) (*provider.Task, error) {
	if err := f.op("CreateTask"); err != nil {
		return nil, err
	}
	f.nextID++
	now := time.Now().UTC()
	t := &provider.Task{
		ID:          fmt.Sprintf("r%d", f.nextID),
		ProjectID:   payload.ProjectID,
		ParentID:    payload.ParentID,
		Content:     payload.Content,
		Description: payload.Description,
		Priority:    payload.Priority,
		Labels:      append([]string(nil), payload.Labels...),
		AddedAt:     now,
		UpdatedAt:   now,
	}
	applyDue(t, payload)
	f.tasks = append(f.tasks, t)
	cp := *t
	return &cp, nil
}

func (f *fakeProvider) UpdateTask(ctx context.Context, id string, payload *provider.TaskPayload) (*provider.Task, error) {
	if err := f.op("UpdateTask"); err != nil {
		return nil, err
	}
	t := f.task(id)
	if t == nil {
		return nil, fmt.Errorf("%w: task %s", provider.ErrNotFound, id)
	}
	t.Content = payload.Content
	t.Description = payload.Description
	t.Priority = payload.Priority
	t.Labels = append([]string(nil), payload.Labels...)
	applyDue(t, payload)
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (f *fakeProvider) MoveTask(ctx context.Context, id string, mv provider.Move) error {
	if err := f.op("MoveTask"); err != nil {
		return err
	}
	t := f.task(id)
	if t == nil {
		return fmt.Errorf("%w: task %s", provider.ErrNotFound, id)
	}
	if mv.ParentID != "" {
		t.ParentID = mv.ParentID
		if parent := f.task(mv.ParentID); parent != nil {
			t.ProjectID = parent.ProjectID
		}
	} else {
		t.ProjectID = mv.ProjectID
		t.ParentID = ""
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeProvider) CloseTask(ctx context.Context, id string) error {
	if err := f.op("CloseTask"); err != nil {
		return err
	}
	t := f.task(id)
	if t == nil {
		return fmt.Errorf("%w: task %s", provider.ErrNotFound, id)
	}
	now := time.Now().UTC()
	t.Completed = true
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (f *fakeProvider) ReopenTask(ctx context.Context, id string) error {
	if err := f.op("ReopenTask"); err != nil {
		return err
	}
	t := f.task(id)
	if t == nil {
		return fmt.Errorf("%w: task %s", provider.ErrNotFound, id)
	}
	t.Completed = false
	t.CompletedAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeProvider) Close() error {
	return nil
}

func applyDue(t *provider.Task, payload *provider.TaskPayload) {
	switch {
	case payload.DueText != "":
		t.Due = &provider.Due{Text: payload.DueText, IsRecurring: true, Date: payload.DueDate}
	case payload.DueDatetime != "":
		t.Due = &provider.Due{Datetime: payload.DueDatetime, Date: payload.DueDatetime[:10]}
	case payload.DueDate != "":
		t.Due = &provider.Due{Date: payload.DueDate}
	default:
		t.Due = nil
	}
	if payload.DeadlineDate != "" {
		t.Deadline = &provider.Deadline{Date: payload.DeadlineDate}
	} else {
		t.Deadline = nil
	}
	if payload.DurationAmount > 0 {
		t.Duration = &provider.Duration{Amount: payload.DurationAmount, Unit: payload.DurationUnit}
	} else {
		t.Duration = nil
	}
}
