package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"todosync/provider"

	"todosync/internal/mapper"
	"todosync/internal/store"
	"todosync/internal/translate"
	"todosync/internal/utils"
)

// pass carries the state of one sync pass.
type pass struct {
	store        *store.Store
	client       provider.Provider
	userID       string
	providerName string
	pageLimit    int
	res          *Result
	snap         *translate.Snapshot
}

func (p *pass) run(ctx context.Context) error {
	projects, err := provider.Collect(ctx, p.pageLimit, p.client.GetProjects)
	if err != nil {
		return fmt.Errorf("list remote projects: %w", err)
	}
	labels, err := provider.Collect(ctx, p.pageLimit, p.client.GetLabels)
	if err != nil {
		return fmt.Errorf("list remote labels: %w", err)
	}
	remoteTasks, err := provider.Collect(ctx, p.pageLimit, p.client.GetTasks)
	if err != nil {
		return fmt.Errorf("list remote tasks: %w", err)
	}

	snap, err := translate.BuildSnapshot(ctx, p.store, p.userID, p.providerName, labels)
	if err != nil {
		return err
	}
	p.snap = snap

	if err := p.adoptProjects(ctx, projects); err != nil {
		return err
	}

	pending, err := p.pendingPairs(ctx)
	if err != nil {
		return err
	}

	localTasks, err := p.store.GetTasks(ctx, p.userID)
	if err != nil {
		return err
	}
	localByID := make(map[string]*store.Task, len(localTasks))
	for i := range localTasks {
		localByID[localTasks[i].ID] = &localTasks[i]
	}

	remoteTasks, err = p.fetchAbsentMapped(ctx, remoteTasks)
	if err != nil {
		return err
	}

	var newRemote []provider.Task
	for _, rt := range remoteTasks {
		m := p.snap.TaskMapping(rt.ID)
		if m == nil {
			newRemote = append(newRemote, rt)
			continue
		}
		if m.LocalID == nil {
			continue
		}
		if pending[pairKey(*m.LocalID, rt.ID)] {
			p.res.Skipped++
			continue
		}
		local := localByID[*m.LocalID]
		if local == nil {
			if err := p.detachMapping(ctx, m); err != nil {
				return err
			}
			p.res.Skipped++
			continue
		}
		if err := p.reconcile(ctx, local, rt, m); err != nil {
			return err
		}
	}

	if err := p.createLocalTasks(ctx, newRemote); err != nil {
		return err
	}
	return p.createRemoteTasks(ctx, localTasks)
}

// adoptProjects creates a placeholder local list plus mapping row for every
// remote project that has no mapping row at all. Projects mapped to null
// stay ignored; archived projects are left alone.
func (p *pass) adoptProjects(ctx context.Context, projects []provider.Project) error {
	var slugs []string
	var position int
	loaded := false

	for _, proj := range projects {
		if _, mapped := p.snap.LocalListID(proj.ID); mapped {
			continue
		}
		if proj.IsArchived {
			continue
		}

		if !loaded {
			var err error
			if slugs, err = p.store.ListSlugs(ctx, p.userID); err != nil {
				return err
			}
			if position, err = p.store.MaxListPosition(ctx, p.userID); err != nil {
				return err
			}
			loaded = true
		}

		slug := mapper.UniqueSlug(proj.Name, slugs)
		position++
		list, err := p.store.CreateList(ctx, p.userID, proj.Name, slug, position)
		if err != nil {
			return fmt.Errorf("create list for project %s: %w", proj.ID, err)
		}
		slugs = append(slugs, slug)

		m := &store.Mapping{
			UserID:     p.userID,
			Provider:   p.providerName,
			EntityType: store.EntityList,
			ExternalID: proj.ID,
			LocalID:    &list.ID,
		}
		if err := p.store.UpsertMapping(ctx, m); err != nil {
			return err
		}
		p.snap.Add(m)
		p.res.ListsCreated++
		utils.Debugf("created list %q (%s) for project %s", proj.Name, slug, proj.ID)
	}
	return nil
}

// fetchAbsentMapped point-reads mapped tasks missing from the active
// listing. Completed tasks come back and join the diff; ids that are truly
// gone are logged and skipped, their mapping left intact.
func (p *pass) fetchAbsentMapped(ctx context.Context, remoteTasks []provider.Task) ([]provider.Task, error) {
	seen := make(map[string]bool, len(remoteTasks))
	for _, rt := range remoteTasks {
		seen[rt.ID] = true
	}

	var absent []string
	for extID, m := range p.snap.TaskMappings() {
		if m.LocalID != nil && !seen[extID] {
			absent = append(absent, extID)
		}
	}
	if len(absent) == 0 {
		return remoteTasks, nil
	}
	sort.Strings(absent)

	fetched, err := p.client.GetTasksByID(ctx, absent)
	if err != nil {
		return nil, fmt.Errorf("fetch mapped tasks: %w", err)
	}

	found := make(map[string]bool, len(fetched))
	for _, rt := range fetched {
		found[rt.ID] = true
		remoteTasks = append(remoteTasks, rt)
	}
	for _, id := range absent {
		if !found[id] {
			utils.Debugf("remote task %s is gone, skipping", id)
			p.res.Skipped++
		}
	}
	return remoteTasks, nil
}

// pendingPairs returns the (localId, externalId) task pairs blocked by a
// pending conflict.
func (p *pass) pendingPairs(ctx context.Context) (map[string]bool, error) {
	conflicts, err := p.store.ListConflicts(ctx, p.userID, p.providerName, false)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		if c.EntityType == store.EntityTask {
			pairs[pairKey(c.LocalID, c.ExternalID)] = true
		}
	}
	return pairs, nil
}

func pairKey(localID, externalID string) string {
	return localID + "\x00" + externalID
}

// reconcile diffs one mapped task pair against the mapping's watermark.
func (p *pass) reconcile(ctx context.Context, local *store.Task, rt provider.Task, m *store.Mapping) error {
	var lastSynced time.Time
	if m.LastSyncedAt != nil {
		lastSynced = *m.LastSyncedAt
	}

	localChanged := local.Modified.After(lastSynced)
	remoteChanged := remoteModified(rt).After(lastSynced)

	switch {
	case localChanged && remoteChanged:
		return p.conflict(ctx, local.ID, rt.ID)
	case localChanged:
		return p.push(ctx, local, rt, m)
	case remoteChanged:
		return p.pull(ctx, local, rt, m)
	}
	return nil
}

func (p *pass) conflict(ctx context.Context, localID, externalID string) error {
	exists, err := p.store.HasPendingConflict(ctx, p.userID, p.providerName, store.EntityTask, localID, externalID)
	if err != nil {
		return err
	}
	if exists {
		p.res.Skipped++
		return nil
	}

	_, err = p.store.InsertConflict(ctx, &store.Conflict{
		UserID:     p.userID,
		Provider:   p.providerName,
		EntityType: store.EntityTask,
		LocalID:    localID,
		ExternalID: externalID,
	})
	if err != nil {
		return err
	}
	p.res.Conflicts++
	utils.Debugf("conflict recorded for task %s / remote %s", localID, externalID)
	return nil
}

// push sends the local task's state to the remote side. A 404 on any of the
// calls means the remote task vanished mid-pass: log, skip, keep the mapping.
func (p *pass) push(ctx context.Context, local *store.Task, rt provider.Task, m *store.Mapping) error {
	syncedAt, err := pushFields(ctx, p.client, p.snap, local, &rt)
	if errors.Is(err, provider.ErrNotFound) {
		utils.Debugf("remote task %s vanished during push, skipping", rt.ID)
		p.res.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("push task %s: %w", local.ID, err)
	}

	p.res.Pushed++
	return p.refreshMapping(ctx, m, local.DuePrecision, syncedAt)
}

// pull overwrites the local task's mutable fields from the remote task.
func (p *pass) pull(ctx context.Context, local *store.Task, rt provider.Task, m *store.Mapping) error {
	patch := translate.ToLocal(&rt, p.snap)
	updated, err := applyPatch(ctx, p.store, local, patch)
	if err != nil {
		return fmt.Errorf("pull task %s: %w", rt.ID, err)
	}

	p.res.Pulled++
	syncedAt := maxTime(updated.Modified, remoteModified(rt))
	return p.refreshMapping(ctx, m, patch.DuePrecision, syncedAt)
}

// createLocalTasks creates local tasks for unmapped remote ones, parents
// before children. A parent chain that never resolves creates the remainder
// at the list root.
func (p *pass) createLocalTasks(ctx context.Context, remote []provider.Task) error {
	creating := make(map[string]bool, len(remote))
	for _, rt := range remote {
		creating[rt.ID] = true
	}

	queue := remote
	for len(queue) > 0 {
		var deferred []provider.Task
		for _, rt := range queue {
			if rt.ParentID != "" && creating[rt.ParentID] {
				if _, mapped := p.snap.LocalTaskID(rt.ParentID); !mapped {
					deferred = append(deferred, rt)
					continue
				}
			}
			if err := p.createLocalTask(ctx, rt); err != nil {
				return err
			}
		}
		if len(deferred) == len(queue) {
			for _, rt := range deferred {
				rt.ParentID = ""
				if err := p.createLocalTask(ctx, rt); err != nil {
					return err
				}
			}
			return nil
		}
		queue = deferred
	}
	return nil
}

func (p *pass) createLocalTask(ctx context.Context, rt provider.Task) error {
	patch := translate.ToLocal(&rt, p.snap)
	if patch.ListID == nil {
		// Project ignored or unknown; not ours to sync.
		utils.Debugf("remote task %s has no mapped placement, ignoring", rt.ID)
		return nil
	}

	task := &store.Task{
		UserID:          p.userID,
		ListID:          *patch.ListID,
		ParentID:        patch.ParentID,
		Title:           patch.Title,
		Description:     patch.Description,
		Priority:        patch.Priority,
		Completed:       patch.Completed,
		CompletedAt:     patch.CompletedAt,
		DueDate:         patch.DueDate,
		DuePrecision:    patch.DuePrecision,
		Deadline:        patch.Deadline,
		EstimateMinutes: patch.EstimateMinutes,
		Recurring:       patch.Recurring,
		RecurringRule:   patch.RecurringRule,
		LabelIDs:        patch.LabelIDs,
	}
	created, err := p.store.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("create local task for remote %s: %w", rt.ID, err)
	}

	syncedAt := maxTime(created.Modified, remoteModified(rt))
	m := &store.Mapping{
		UserID:       p.userID,
		Provider:     p.providerName,
		EntityType:   store.EntityTask,
		ExternalID:   rt.ID,
		LocalID:      &created.ID,
		DuePrecision: patch.DuePrecision,
		LastSyncedAt: &syncedAt,
	}
	if err := p.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	p.snap.Add(m)
	p.res.CreatedLocal++
	return nil
}

// createRemoteTasks creates remote tasks for unmapped local ones living in
// synced lists, parents before children. Completed tasks are not exported.
func (p *pass) createRemoteTasks(ctx context.Context, localTasks []store.Task) error {
	var queue []*store.Task
	creating := make(map[string]bool)
	for i := range localTasks {
		t := &localTasks[i]
		if _, mapped := p.snap.ExternalTaskID(t.ID); mapped {
			continue
		}
		if t.Completed || !p.syncedList(t.ListID) {
			continue
		}
		queue = append(queue, t)
		creating[t.ID] = true
	}

	for len(queue) > 0 {
		var deferred []*store.Task
		for _, t := range queue {
			if t.ParentID != "" && creating[t.ParentID] {
				if _, mapped := p.snap.ExternalTaskID(t.ParentID); !mapped {
					deferred = append(deferred, t)
					continue
				}
			}
			if err := p.createRemoteTask(ctx, t); err != nil {
				return err
			}
		}
		if len(deferred) == len(queue) {
			for _, t := range deferred {
				t.ParentID = ""
				if err := p.createRemoteTask(ctx, t); err != nil {
					return err
				}
			}
			return nil
		}
		queue = deferred
	}
	return nil
}

func (p *pass) createRemoteTask(ctx context.Context, t *store.Task) error {
	payload := translate.ToRemote(t, p.snap)
	created, err := p.client.CreateTask(ctx, payload)
	if errors.Is(err, provider.ErrNotFound) {
		// The target project vanished between listing and create.
		utils.Debugf("create for task %s hit a vanished target, skipping", t.ID)
		p.res.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("create remote task for %s: %w", t.ID, err)
	}

	syncedAt := maxTime(time.Now().UTC(), created.UpdatedAt)
	m := &store.Mapping{
		UserID:       p.userID,
		Provider:     p.providerName,
		EntityType:   store.EntityTask,
		ExternalID:   created.ID,
		LocalID:      &t.ID,
		DuePrecision: t.DuePrecision,
		LastSyncedAt: &syncedAt,
	}
	if err := p.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	p.snap.Add(m)
	p.res.CreatedRemote++
	return nil
}

// syncedList reports whether tasks in the list belong to the sync scope,
// either through a project mapping or a list-label mapping.
func (p *pass) syncedList(listID string) bool {
	if _, ok := p.snap.ExternalListID(listID); ok {
		return true
	}
	_, ok := p.snap.RemoteLabelForList(listID)
	return ok
}

// detachMapping flips a mapping to null when its local task was deleted.
// The remote task is neither deleted nor re-imported.
func (p *pass) detachMapping(ctx context.Context, m *store.Mapping) error {
	utils.Debugf("local task for remote %s is gone, detaching mapping", m.ExternalID)
	m.LocalID = nil
	if err := p.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	p.snap.Add(m)
	return nil
}

func (p *pass) refreshMapping(ctx context.Context, m *store.Mapping, precision string, syncedAt time.Time) error {
	m.DuePrecision = precision
	m.LastSyncedAt = &syncedAt
	if err := p.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	p.snap.Add(m)
	return nil
}

// pushFields applies the local task's fields, placement, and completion to
// the remote task and returns the sync watermark to record on the mapping.
// Shared by the pass and by local-side conflict resolution.
func pushFields(ctx context.Context, client provider.Provider, snap *translate.Snapshot, local *store.Task, rt *provider.Task) (time.Time, error) {
	payload := translate.ToRemote(local, snap)

	// Reopen first so field updates land on an active task.
	if !local.Completed && rt.Completed {
		if err := client.ReopenTask(ctx, rt.ID); err != nil {
			return time.Time{}, err
		}
	}

	updated, err := client.UpdateTask(ctx, rt.ID, payload)
	if err != nil {
		return time.Time{}, err
	}

	if err := moveIfNeeded(ctx, client, rt, payload); err != nil {
		return time.Time{}, err
	}

	if local.Completed && !rt.Completed {
		if err := client.CloseTask(ctx, rt.ID); err != nil {
			return time.Time{}, err
		}
	}

	return maxTime(time.Now().UTC(), updated.UpdatedAt), nil
}

// moveIfNeeded issues a move when the translated placement differs from the
// remote task's current one. Moving under a parent keeps the parent's
// project; detaching from a parent moves to the project root.
func moveIfNeeded(ctx context.Context, client provider.Provider, rt *provider.Task, payload *provider.TaskPayload) error {
	switch {
	case payload.ParentID != "" && payload.ParentID != rt.ParentID:
		return client.MoveTask(ctx, rt.ID, provider.Move{ParentID: payload.ParentID})
	case payload.ParentID == "" && rt.ParentID != "":
		target := payload.ProjectID
		if target == "" {
			target = rt.ProjectID
		}
		return client.MoveTask(ctx, rt.ID, provider.Move{ProjectID: target})
	case payload.ParentID == "" && payload.ProjectID != "" && payload.ProjectID != rt.ProjectID:
		return client.MoveTask(ctx, rt.ID, provider.Move{ProjectID: payload.ProjectID})
	}
	return nil
}

// applyPatch writes a translated remote state over the local task's mutable
// fields. Placement only changes when the patch resolved one.
func applyPatch(ctx context.Context, st *store.Store, local *store.Task, patch *translate.LocalPatch) (*store.Task, error) {
	apply := *local
	apply.Title = patch.Title
	apply.Description = patch.Description
	apply.Priority = patch.Priority
	apply.Completed = patch.Completed
	apply.CompletedAt = patch.CompletedAt
	apply.DueDate = patch.DueDate
	apply.DuePrecision = patch.DuePrecision
	apply.Deadline = patch.Deadline
	apply.EstimateMinutes = patch.EstimateMinutes
	apply.Recurring = patch.Recurring
	apply.RecurringRule = patch.RecurringRule
	apply.ParentID = patch.ParentID
	apply.LabelIDs = patch.LabelIDs
	if patch.ListID != nil {
		apply.ListID = *patch.ListID
	}
	return st.UpdateTask(ctx, &apply)
}

// remoteModified is the freshest timestamp the provider reports for a task.
func remoteModified(rt provider.Task) time.Time {
	ts := rt.UpdatedAt
	if rt.CompletedAt != nil && rt.CompletedAt.After(ts) {
		ts = *rt.CompletedAt
	}
	if ts.IsZero() {
		ts = rt.AddedAt
	}
	return ts
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
