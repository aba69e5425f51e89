package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"todosync/provider"

	"todosync/internal/store"
	"todosync/internal/translate"
	"todosync/internal/utils"
)

// Conflict resolution errors. Not-found and already-resolved are distinct so
// callers can report them differently.
var (
	ErrConflictNotFound      = errors.New("conflict not found")
	ErrConflictResolved      = errors.New("conflict already resolved")
	ErrUnsupportedEntityType = errors.New("conflict resolution not yet supported for entity type")
)

// ListConflicts returns the user's pending conflicts, oldest first.
func (e *Engine) ListConflicts(ctx context.Context, userID string) ([]store.Conflict, error) {
	return e.cfg.Store.ListConflicts(ctx, userID, e.cfg.ProviderName, false)
}

// Resolve settles a pending task conflict by pushing the local version or
// pulling the remote one, then marks it resolved and refreshes the task
// mapping's watermark.
func (e *Engine) Resolve(ctx context.Context, userID, conflictID string, resolution store.Resolution) error {
	if resolution != store.ResolutionLocal && resolution != store.ResolutionRemote {
		return utils.ErrInvalidResolution(string(resolution))
	}

	c, err := e.cfg.Store.GetConflict(ctx, userID, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if c.Status != store.ConflictPending {
		return fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}
	if c.EntityType != store.EntityTask {
		return fmt.Errorf("%w: %s", ErrUnsupportedEntityType, c.EntityType)
	}

	tokens, err := e.cfg.Credentials.Tokens(ctx, userID, e.cfg.ProviderName)
	if err != nil {
		return err
	}
	client, err := e.cfg.OpenProvider(tokens.Access)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	labels, err := provider.Collect(ctx, e.cfg.PageLimit, client.GetLabels)
	if err != nil {
		return fmt.Errorf("list remote labels: %w", err)
	}
	snap, err := translate.BuildSnapshot(ctx, e.cfg.Store, userID, e.cfg.ProviderName, labels)
	if err != nil {
		return err
	}

	var syncedAt time.Time
	var precision string
	switch resolution {
	case store.ResolutionLocal:
		syncedAt, precision, err = e.applyLocal(ctx, client, snap, userID, c)
	case store.ResolutionRemote:
		syncedAt, precision, err = e.applyRemote(ctx, client, snap, userID, c)
	}
	if err != nil {
		return err
	}

	ok, err := e.cfg.Store.MarkConflictResolved(ctx, c.ID, resolution)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}

	if m, err := e.cfg.Store.GetMapping(ctx, userID, e.cfg.ProviderName, store.EntityTask, c.ExternalID); err != nil {
		return err
	} else if m != nil {
		m.DuePrecision = precision
		m.LastSyncedAt = &syncedAt
		if err := e.cfg.Store.UpsertMapping(ctx, m); err != nil {
			return err
		}
	}

	utils.Debugf("conflict %s resolved as %s", conflictID, resolution)
	return nil
}

// applyLocal pushes the current local task over the conflict's remote task.
func (e *Engine) applyLocal(ctx context.Context, client provider.Provider, snap *translate.Snapshot, userID string, c *store.Conflict) (time.Time, string, error) {
	local, err := e.cfg.Store.GetTask(ctx, userID, c.LocalID)
	if err != nil {
		return time.Time{}, "", err
	}
	if local == nil {
		return time.Time{}, "", utils.WrapWithSuggestion(
			fmt.Errorf("local task %s no longer exists", c.LocalID),
			"The local side of this conflict was deleted; resolve with 'remote' is not possible either, run a sync pass instead",
		)
	}

	rt, err := client.GetTask(ctx, c.ExternalID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return time.Time{}, "", utils.WrapWithSuggestion(
				fmt.Errorf("remote task %s no longer exists", c.ExternalID),
				"The remote side of this conflict is gone; run a sync pass to reconcile",
			)
		}
		return time.Time{}, "", err
	}

	syncedAt, err := pushFields(ctx, client, snap, local, rt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("push task %s: %w", local.ID, err)
	}
	return syncedAt, local.DuePrecision, nil
}

// applyRemote overwrites the local task with the conflict's remote task.
func (e *Engine) applyRemote(ctx context.Context, client provider.Provider, snap *translate.Snapshot, userID string, c *store.Conflict) (time.Time, string, error) {
	local, err := e.cfg.Store.GetTask(ctx, userID, c.LocalID)
	if err != nil {
		return time.Time{}, "", err
	}
	if local == nil {
		return time.Time{}, "", fmt.Errorf("local task %s no longer exists", c.LocalID)
	}

	rt, err := client.GetTask(ctx, c.ExternalID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return time.Time{}, "", utils.WrapWithSuggestion(
				fmt.Errorf("remote task %s no longer exists", c.ExternalID),
				"The remote side of this conflict is gone; run a sync pass to reconcile",
			)
		}
		return time.Time{}, "", err
	}

	patch := translate.ToLocal(rt, snap)
	updated, err := applyPatch(ctx, e.cfg.Store, local, patch)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("apply remote task %s: %w", rt.ID, err)
	}

	syncedAt := maxTime(updated.Modified, remoteModified(*rt))
	return syncedAt, patch.DuePrecision, nil
}
