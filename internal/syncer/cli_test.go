package syncer_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"todosync/internal/store"
	"todosync/internal/testutil"
)

// =============================================================================
// Sync Pass CLI Tests
// These tests run the real sync, conflicts, and history commands against a
// fake Todoist API. Store handles opened here only seed and inspect state;
// every command opens its own.
// =============================================================================

// connectedCLI starts a fake Todoist API and connects the test user to it.
func connectedCLI(t *testing.T) (*testutil.CLITest, *testutil.FakeTodoist) {
	t.Helper()

	cli := testutil.NewCLITest(t)
	fake := testutil.NewFakeTodoist(t, "tok-sync")
	cli.SetBaseURL(fake.URL())
	cli.ConnectWithToken("tok-sync")
	return cli, fake
}

// pushOneTask seeds a local task in a list mapped to remote project p1 and
// syncs it over, returning the store handle, the local task, and the id the
// task got on the fake.
func pushOneTask(t *testing.T, cli *testutil.CLITest, fake *testutil.FakeTodoist) (*store.Store, *store.Task, string) {
	t.Helper()
	ctx := context.Background()

	fake.AddProject("p1", "Work")

	st := cli.OpenStore()
	list, err := st.CreateList(ctx, testutil.TestUser, "Work", "work", 1)
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{UserID: testutil.TestUser, ListID: list.ID, Title: "Buy milk"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	cli.MustExecute("mappings", "set", "list", "p1="+list.ID)

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "created 1 remote")

	ids := fake.TaskIDs()
	if len(ids) != 1 {
		t.Fatalf("expected 1 remote task after push, got %d", len(ids))
	}
	return st, task, ids[0]
}

// makeConflict edits both sides of a pushed task and syncs, leaving exactly
// one pending conflict. Local says oat, remote says almond.
func makeConflict(t *testing.T, cli *testutil.CLITest, fake *testutil.FakeTodoist) (*store.Store, *store.Task, string, string) {
	t.Helper()
	ctx := context.Background()

	st, task, remoteID := pushOneTask(t, cli, fake)

	task.Title = "Buy oat milk"
	if _, err := st.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	fake.SetTaskContent(remoteID, "Buy almond milk")

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "conflicts 1")

	return st, task, remoteID, pendingConflictID(t, cli)
}

// pendingConflictID returns the id of the single pending conflict.
func pendingConflictID(t *testing.T, cli *testutil.CLITest) string {
	t.Helper()

	out := cli.MustExecute("conflicts", "list", "--json")
	var rows []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("parse conflicts JSON: %v\noutput: %s", err, out)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(rows))
	}
	return rows[0].ID
}

// --- Sync Pass Tests ---

func TestSyncPullsRemoteTasksSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")
	fake.AddTask("t1", "p1", "Write the quarterly report")

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "Sync complete")
	testutil.AssertContains(t, stdout, "lists created 1")
	testutil.AssertContains(t, stdout, "created 0 remote / 1 local")
	testutil.AssertResultCode(t, stdout, testutil.ResultActionCompleted)

	// The unmapped project materialized as a local list holding the task
	ctx := context.Background()
	st := cli.OpenStore()
	lists, err := st.GetLists(ctx, testutil.TestUser)
	if err != nil {
		t.Fatalf("get lists: %v", err)
	}
	if len(lists) != 1 || lists[0].Name != "Inbox" {
		t.Fatalf("expected one Inbox list, got %+v", lists)
	}
	tasks, err := st.GetTasksByList(ctx, testutil.TestUser, lists[0].ID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "Write the quarterly report" {
		t.Fatalf("expected the pulled task, got %+v", tasks)
	}
}

func TestSyncSecondPassNoopSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")
	fake.AddTask("t1", "p1", "Write the quarterly report")

	cli.MustExecute("sync")

	// Both sides sit at the watermark now
	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "Already in sync")
	testutil.AssertResultCode(t, stdout, testutil.ResultInfoOnly)
}

func TestSyncJSONOutputSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")
	fake.AddTask("t1", "p1", "Write the quarterly report")

	stdout := cli.MustExecute("sync", "--json")
	var resp struct {
		User          string `json:"user"`
		Provider      string `json:"provider"`
		Pushed        int    `json:"pushed"`
		Pulled        int    `json:"pulled"`
		CreatedRemote int    `json:"createdRemote"`
		CreatedLocal  int    `json:"createdLocal"`
		ListsCreated  int    `json:"listsCreated"`
		Conflicts     int    `json:"conflicts"`
		Result        string `json:"result"`
	}
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("expected valid JSON, got: %s, error: %v", stdout, err)
	}
	if resp.User != testutil.TestUser || resp.Provider != "todoist" {
		t.Errorf("unexpected identity in response: %+v", resp)
	}
	if resp.ListsCreated != 1 || resp.CreatedLocal != 1 || resp.CreatedRemote != 0 || resp.Conflicts != 0 {
		t.Errorf("unexpected counters: %+v", resp)
	}
	if resp.Result != testutil.ResultActionCompleted {
		t.Errorf("expected result %q, got %q", testutil.ResultActionCompleted, resp.Result)
	}

	stdout = cli.MustExecute("sync", "--json")
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("expected valid JSON, got: %s, error: %v", stdout, err)
	}
	if resp.Result != testutil.ResultInfoOnly {
		t.Errorf("expected result %q for a no-op pass, got %q", testutil.ResultInfoOnly, resp.Result)
	}
}

func TestSyncPushesMappedTaskSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	_, _, remoteID := pushOneTask(t, cli, fake)

	remote := fake.Task(remoteID)
	if remote == nil {
		t.Fatal("remote task not found on the fake")
	}
	if content, _ := remote["content"].(string); content != "Buy milk" {
		t.Errorf("expected remote content %q, got %q", "Buy milk", content)
	}
	if project, _ := remote["project_id"].(string); project != "p1" {
		t.Errorf("expected remote task in project p1, got %q", project)
	}
}

func TestSyncPushesLocalEditSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	st, task, remoteID := pushOneTask(t, cli, fake)

	task.Title = "Buy oat milk"
	if _, err := st.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "pushed 1")

	if content, _ := fake.Task(remoteID)["content"].(string); content != "Buy oat milk" {
		t.Errorf("expected remote content %q, got %q", "Buy oat milk", content)
	}
}

func TestSyncPullsRemoteEditSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	st, task, remoteID := pushOneTask(t, cli, fake)

	fake.SetTaskContent(remoteID, "Buy bread")

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "pulled 1")

	got, err := st.GetTask(context.Background(), testutil.TestUser, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.Title != "Buy bread" {
		t.Errorf("expected local title %q, got %+v", "Buy bread", got)
	}
}

func TestSyncPushesCompletionSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	st, task, remoteID := pushOneTask(t, cli, fake)

	now := time.Now().UTC()
	task.Completed = true
	task.CompletedAt = &now
	if _, err := st.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "pushed 1")

	if checked, _ := fake.Task(remoteID)["checked"].(bool); !checked {
		t.Error("expected the remote task to be closed")
	}
}

func TestSyncNotConnectedSyncCLI(t *testing.T) {
	cli := testutil.NewCLITest(t)

	stdout, stderr := cli.ExecuteAndFail("sync")
	testutil.AssertContains(t, stderr, "no todoist integration for user alice")
	testutil.AssertContains(t, stderr, "todosync connect")
	testutil.AssertResultCode(t, stdout, testutil.ResultError)
}

func TestSyncLockHeldSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")

	// Take the lock directly and never finish, as a crashed pass would
	st := cli.OpenStore()
	acquired, err := st.TryBeginSync(context.Background(), testutil.TestUser, "todoist", time.Now())
	if err != nil || !acquired {
		t.Fatalf("seed held lock: acquired=%v err=%v", acquired, err)
	}

	_, stderr := cli.ExecuteAndFail("sync")
	testutil.AssertContains(t, stderr, "sync already in progress")

	// --force treats the held lock as stale immediately
	stdout := cli.MustExecute("sync", "--force")
	testutil.AssertContains(t, stdout, "lists created 1")
}

// --- Conflict Tests ---

func TestSyncDetectsConflictSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	st, task, remoteID := pushOneTask(t, cli, fake)

	ctx := context.Background()
	task.Title = "Buy oat milk"
	if _, err := st.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	fake.SetTaskContent(remoteID, "Buy almond milk")

	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "conflicts 1")
	testutil.AssertContains(t, stdout, "Run 'todosync conflicts list' to review 1 new conflicts")

	out := cli.MustExecute("conflicts", "list")
	testutil.AssertContains(t, out, "Buy oat milk")
	testutil.AssertContains(t, out, "pending")

	out = cli.MustExecute("conflicts", "list", "--json")
	var rows []struct {
		ID         string `json:"id"`
		EntityType string `json:"entityType"`
		LocalID    string `json:"localId"`
		ExternalID string `json:"externalId"`
		LocalTitle string `json:"localTitle"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("expected valid JSON, got: %s, error: %v", out, err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(rows))
	}
	c := rows[0]
	if c.EntityType != "task" || c.LocalID != task.ID || c.ExternalID != remoteID {
		t.Errorf("conflict identifies the wrong pair: %+v", c)
	}
	if c.LocalTitle != "Buy oat milk" || c.Status != "pending" {
		t.Errorf("unexpected conflict details: %+v", c)
	}

	// Neither side moved while the conflict is pending
	if content, _ := fake.Task(remoteID)["content"].(string); content != "Buy almond milk" {
		t.Errorf("remote content changed under a pending conflict: %q", content)
	}
	got, err := st.GetTask(ctx, testutil.TestUser, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "Buy oat milk" {
		t.Errorf("local title changed under a pending conflict: %q", got.Title)
	}
}

func TestConflictResolveLocalSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	_, _, remoteID, conflictID := makeConflict(t, cli, fake)

	stdout := cli.MustExecute("conflicts", "resolve", conflictID, "--use", "local")
	testutil.AssertContains(t, stdout, "kept the local version")
	testutil.AssertResultCode(t, stdout, testutil.ResultActionCompleted)

	// The local version went over the remote task
	if content, _ := fake.Task(remoteID)["content"].(string); content != "Buy oat milk" {
		t.Errorf("expected remote content %q, got %q", "Buy oat milk", content)
	}

	out := cli.MustExecute("conflicts", "list")
	testutil.AssertContains(t, out, "No pending conflicts")

	out = cli.MustExecute("conflicts", "list", "--all")
	testutil.AssertContains(t, out, "resolved (local)")
}

func TestConflictResolveRemoteSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	st, task, _, conflictID := makeConflict(t, cli, fake)

	stdout := cli.MustExecute("conflicts", "resolve", conflictID, "--use", "remote")
	testutil.AssertContains(t, stdout, "kept the remote version")

	got, err := st.GetTask(context.Background(), testutil.TestUser, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.Title != "Buy almond milk" {
		t.Errorf("expected local title %q, got %+v", "Buy almond milk", got)
	}
}

func TestConflictResolveTwiceSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	_, _, _, conflictID := makeConflict(t, cli, fake)

	cli.MustExecute("conflicts", "resolve", conflictID, "--use", "local")

	_, stderr := cli.ExecuteAndFail("conflicts", "resolve", conflictID, "--use", "remote")
	testutil.AssertContains(t, stderr, "conflict already resolved")
}

func TestConflictResolveRefreshesWatermarkSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	_, _, _, conflictID := makeConflict(t, cli, fake)

	cli.MustExecute("conflicts", "resolve", conflictID, "--use", "local")

	// The resolution is the new watermark, so the next pass has nothing to do
	stdout := cli.MustExecute("sync")
	testutil.AssertContains(t, stdout, "Already in sync")
}

func TestConflictResolveInteractiveSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	_, _, remoteID, _ := makeConflict(t, cli, fake)

	// A single pending conflict is auto-selected; answer 'l' at the side prompt
	cli.SetNoPrompt(false)
	cli.SetInput(strings.NewReader("l\n"))

	stdout, _, exitCode := cli.Execute("conflicts", "resolve")
	testutil.AssertExitCode(t, exitCode, 0)
	testutil.AssertContains(t, stdout, "Auto-selected")
	testutil.AssertContains(t, stdout, "Keep which side?")
	testutil.AssertContains(t, stdout, "kept the local version")

	if content, _ := fake.Task(remoteID)["content"].(string); content != "Buy oat milk" {
		t.Errorf("expected remote content %q, got %q", "Buy oat milk", content)
	}
}

// --- History Tests ---

func TestHistoryRecordsPassesSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")
	fake.AddTask("t1", "p1", "Write the quarterly report")

	cli.MustExecute("sync")
	cli.MustExecute("sync")

	out := cli.MustExecute("history")
	testutil.AssertContains(t, out, "TRIGGER")
	testutil.AssertContains(t, out, "ok")
	if got := strings.Count(out, "manual"); got != 2 {
		t.Errorf("expected 2 recorded passes, got %d:\n%s", got, out)
	}

	out = cli.MustExecute("history", "--json")
	var rows []struct {
		User         string `json:"user"`
		Trigger      string `json:"trigger"`
		Success      bool   `json:"success"`
		CreatedLocal int    `json:"createdLocal"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("expected valid JSON, got: %s, error: %v", out, err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.User != testutil.TestUser || r.Trigger != "manual" || !r.Success {
			t.Errorf("unexpected history row: %+v", r)
		}
	}
	// Newest first: the no-op pass leads
	if rows[0].CreatedLocal != 0 || rows[1].CreatedLocal != 1 {
		t.Errorf("expected the no-op pass first, got %+v", rows)
	}
}

func TestHistoryLimitSyncCLI(t *testing.T) {
	cli, fake := connectedCLI(t)
	fake.AddProject("p1", "Inbox")

	cli.MustExecute("sync")
	cli.MustExecute("sync")

	out := cli.MustExecute("history", "--limit", "1")
	if got := strings.Count(out, "manual"); got != 1 {
		t.Errorf("expected 1 pass with --limit 1, got %d:\n%s", got, out)
	}
}

func TestHistoryEmptySyncCLI(t *testing.T) {
	cli := testutil.NewCLITest(t)

	out := cli.MustExecute("history")
	testutil.AssertContains(t, out, "No sync history")
	testutil.AssertResultCode(t, out, testutil.ResultInfoOnly)
}
