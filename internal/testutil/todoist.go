package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeTodoist is an in-memory Todoist API for CLI tests. It serves the
// endpoints a sync pass touches, guarded by bearer auth, with listings
// returned as a single page.
type FakeTodoist struct {
	Server *httptest.Server

	mu       sync.Mutex
	token    string
	projects []map[string]interface{}
	labels   []map[string]interface{}
	tasks    map[string]map[string]interface{}
	order    []string
	nextID   int
}

// NewFakeTodoist starts a fake API server accepting the given token.
// The server is shut down when the test ends.
func NewFakeTodoist(t *testing.T, token string) *FakeTodoist {
	t.Helper()

	f := &FakeTodoist{
		token:  token,
		tasks:  make(map[string]map[string]interface{}),
		nextID: 1,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL to put in the provider config.
func (f *FakeTodoist) URL() string {
	return f.Server.URL
}

// AddProject registers a project.
func (f *FakeTodoist) AddProject(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, map[string]interface{}{
		"id": id, "name": name, "color": "grey", "is_archived": false, "inbox_project": false,
	})
}

// AddLabel registers a label.
func (f *FakeTodoist) AddLabel(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, map[string]interface{}{
		"id": id, "name": name, "color": "grey",
	})
}

// AddTask registers an active task in the given project.
func (f *FakeTodoist) AddTask(id, projectID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	f.tasks[id] = map[string]interface{}{
		"id": id, "project_id": projectID, "content": content,
		"priority": 1, "labels": []string{}, "checked": false,
		"added_at": now, "updated_at": now,
	}
	f.order = append(f.order, id)
}

// TouchTask bumps a task's updated_at to now, as a remote edit would.
func (f *FakeTodoist) TouchTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// SetTaskContent rewrites a task's content and bumps updated_at.
func (f *FakeTodoist) SetTaskContent(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task["content"] = content
		task["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// Task returns a copy of a stored task's wire object, nil when absent.
func (f *FakeTodoist) Task(id string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil
	}
	cp := make(map[string]interface{}, len(task))
	for k, v := range task {
		cp[k] = v
	}
	return cp
}

// TaskCount returns the number of stored tasks, completed ones included.
func (f *FakeTodoist) TaskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// TaskIDs returns the stored task ids in insertion order.
func (f *FakeTodoist) TaskIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *FakeTodoist) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && path == "/projects":
		writePage(w, f.projects)
	case r.Method == http.MethodGet && path == "/labels":
		writePage(w, f.labels)
	case r.Method == http.MethodGet && path == "/tasks":
		f.listTasks(w)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/tasks/"):
		f.getTask(w, strings.TrimPrefix(path, "/tasks/"))
	case r.Method == http.MethodPost && path == "/tasks":
		f.createTask(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/move"):
		f.placeTask(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/move"))
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/close"):
		f.setChecked(w, strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/close"), true)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/reopen"):
		f.setChecked(w, strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/reopen"), false)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/tasks/"):
		f.updateTask(w, r, strings.TrimPrefix(path, "/tasks/"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writePage(w http.ResponseWriter, results interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"results":     results,
		"next_cursor": nil,
	})
}

func writeTask(w http.ResponseWriter, task map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

// listTasks returns active tasks only; completed ones are reachable by id,
// matching how the real listing behaves.
func (f *FakeTodoist) listTasks(w http.ResponseWriter) {
	results := make([]map[string]interface{}, 0, len(f.order))
	for _, id := range f.order {
		task := f.tasks[id]
		if checked, _ := task["checked"].(bool); checked {
			continue
		}
		results = append(results, task)
	}
	writePage(w, results)
}

func (f *FakeTodoist) getTask(w http.ResponseWriter, id string) {
	task, ok := f.tasks[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeTask(w, task)
}

func (f *FakeTodoist) createTask(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id := "r" + strconv.Itoa(f.nextID)
	f.nextID++
	now := time.Now().UTC().Format(time.RFC3339Nano)

	task := map[string]interface{}{
		"id": id, "content": body["content"], "checked": false,
		"priority": body["priority"], "labels": []string{},
		"added_at": now, "updated_at": now,
	}
	if v, ok := body["project_id"]; ok {
		task["project_id"] = v
	}
	if v, ok := body["parent_id"]; ok {
		task["parent_id"] = v
	}
	if v, ok := body["description"]; ok {
		task["description"] = v
	}
	if v, ok := body["labels"]; ok {
		task["labels"] = v
	}
	applyDue(task, body)

	f.tasks[id] = task
	f.order = append(f.order, id)
	writeTask(w, task)
}

func (f *FakeTodoist) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	task, ok := f.tasks[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, field := range []string{"content", "description", "priority", "labels"} {
		if v, ok := body[field]; ok {
			task[field] = v
		}
	}
	applyDue(task, body)
	task["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	writeTask(w, task)
}

func (f *FakeTodoist) placeTask(w http.ResponseWriter, r *http.Request, id string) {
	task, ok := f.tasks[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if v, ok := body["parent_id"]; ok {
		task["parent_id"] = v
	} else if v, ok := body["project_id"]; ok {
		task["project_id"] = v
		delete(task, "parent_id")
	}
	task["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeTodoist) setChecked(w http.ResponseWriter, id string, checked bool) {
	task, ok := f.tasks[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	task["checked"] = checked
	if checked {
		task["completed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	} else {
		delete(task, "completed_at")
	}
	task["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.WriteHeader(http.StatusNoContent)
}

// applyDue translates the request's due fields onto the stored task.
// "no date" clears the due, matching the real API.
func applyDue(task, body map[string]interface{}) {
	if v, ok := body["due_string"].(string); ok {
		if v == "no date" {
			delete(task, "due")
		} else {
			task["due"] = map[string]interface{}{"string": v, "date": "", "is_recurring": true}
		}
		return
	}
	if v, ok := body["due_datetime"].(string); ok {
		date := v
		if len(date) > 10 {
			date = date[:10]
		}
		task["due"] = map[string]interface{}{"date": date, "datetime": v}
		return
	}
	if v, ok := body["due_date"].(string); ok {
		task["due"] = map[string]interface{}{"date": v}
	}
}
