// Package syncer runs sync passes between the local store and a remote task
// provider. A pass acquires the per-user advisory lock, fetches the full
// remote state, diffs it against the entity mappings, pushes and pulls
// changes through the translator, and records conflicts for edits that
// diverged on both sides. Partial progress is kept on failure; a later pass
// reconciles.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"todosync/provider"

	"todosync/internal/history"
	"todosync/internal/store"
	"todosync/internal/utils"
	"todosync/internal/vault"
)

// ErrSyncInProgress reports that another pass holds the sync lock for the
// user and provider.
var ErrSyncInProgress = errors.New("sync already in progress")

// DefaultStaleAfter is how old a syncing state row must be before a new pass
// may take it over from a crashed one.
const DefaultStaleAfter = 10 * time.Minute

// finishTimeout bounds the state-row update that closes a pass. The pass
// context may already be expired by then, so the update runs on its own.
const finishTimeout = 5 * time.Second

// Config wires an Engine. Store, Credentials, ProviderName, and OpenProvider
// are required; the rest default sensibly.
type Config struct {
	Store        *store.Store
	Credentials  *vault.Manager
	ProviderName string

	// OpenProvider opens a provider client with a decrypted access token.
	OpenProvider func(token string) (provider.Provider, error)

	// StaleAfter is the takeover age for wedged syncing rows.
	StaleAfter time.Duration

	// PageLimit bounds paginated listing calls.
	PageLimit int

	// Timeout bounds a whole pass, 0 = no deadline beyond the caller's.
	Timeout time.Duration

	// History records pass outcomes when non-nil.
	History *history.Tracker
}

// Engine runs sync passes and resolves conflicts for one provider.
type Engine struct {
	cfg Config
}

// New creates an Engine, filling in Config defaults.
func New(cfg Config) *Engine {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = provider.DefaultPageLimit
	}
	return &Engine{cfg: cfg}
}

// Result counts what a pass did.
type Result struct {
	Pushed        int
	Pulled        int
	CreatedRemote int
	CreatedLocal  int
	ListsCreated  int
	Conflicts     int
	Skipped       int
	Duration      time.Duration
}

// Changed reports whether the pass performed any writes.
func (r *Result) Changed() bool {
	return r.Pushed+r.Pulled+r.CreatedRemote+r.CreatedLocal+r.ListsCreated+r.Conflicts > 0
}

// Summary renders the counters for display.
func (r *Result) Summary() string {
	return fmt.Sprintf("pushed %d, pulled %d, created %d remote / %d local, lists created %d, conflicts %d, skipped %d",
		r.Pushed, r.Pulled, r.CreatedRemote, r.CreatedLocal, r.ListsCreated, r.Conflicts, r.Skipped)
}

// Run executes one manually triggered sync pass for the user.
func (e *Engine) Run(ctx context.Context, userID string) (*Result, error) {
	return e.RunTriggered(ctx, userID, history.TriggerManual)
}

// RunTriggered executes one sync pass, recording the given trigger source in
// history. On error the returned Result still carries the counters for any
// committed partial progress.
func (e *Engine) RunTriggered(ctx context.Context, userID, trigger string) (res *Result, runErr error) {
	start := time.Now()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	// Decrypt before taking the lock so a missing or unreadable credential
	// doesn't leave a syncing row behind.
	tokens, err := e.cfg.Credentials.Tokens(ctx, userID, e.cfg.ProviderName)
	if err != nil {
		return nil, err
	}

	acquired, err := e.cfg.Store.TryBeginSync(ctx, userID, e.cfg.ProviderName, start.Add(-e.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, utils.WrapWithSuggestion(
			fmt.Errorf("%w for user %s", ErrSyncInProgress, userID),
			"Wait for the running pass to finish; a crashed pass is taken over automatically after the stale timeout",
		)
	}

	res = &Result{}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := e.cfg.Store.FinishSync(fctx, userID, e.cfg.ProviderName, msg); err != nil {
			utils.Warnf("could not finish sync state for %s/%s: %v", userID, e.cfg.ProviderName, err)
		}
		res.Duration = time.Since(start)
		e.record(userID, trigger, res, runErr)
	}()

	client, err := e.cfg.OpenProvider(tokens.Access)
	if err != nil {
		return res, err
	}
	defer func() { _ = client.Close() }()

	p := &pass{
		store:        e.cfg.Store,
		client:       client,
		userID:       userID,
		providerName: e.cfg.ProviderName,
		pageLimit:    e.cfg.PageLimit,
		res:          res,
	}
	if err := p.run(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) record(userID, trigger string, res *Result, runErr error) {
	if e.cfg.History == nil {
		return
	}
	rec := history.Record{
		UserID:        userID,
		Provider:      e.cfg.ProviderName,
		Trigger:       trigger,
		Success:       runErr == nil,
		DurationMs:    res.Duration.Milliseconds(),
		Pushed:        res.Pushed,
		Pulled:        res.Pulled,
		CreatedRemote: res.CreatedRemote,
		CreatedLocal:  res.CreatedLocal,
		ListsCreated:  res.ListsCreated,
		Conflicts:     res.Conflicts,
		Skipped:       res.Skipped,
	}
	if runErr != nil {
		rec.ErrorType = history.CategorizeError(runErr)
		rec.ErrorMessage = runErr.Error()
	}
	e.cfg.History.RecordPass(rec)
}
