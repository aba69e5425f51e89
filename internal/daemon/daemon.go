// Package daemon runs sync passes in the background: a detached process
// sweeps every connected user on an interval, with a per-user circuit
// breaker, an optional database watcher for immediate triggers, and a unix
// socket for notify/status/stop control from the CLI.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"todosync/internal/history"
	"todosync/internal/notification"
	"todosync/internal/shutdown"
	"todosync/internal/syncer"
	"todosync/internal/utils"
	"todosync/internal/watcher"
)

// PassFunc runs one sync pass for a user, recording the trigger source.
// syncer.Engine.RunTriggered satisfies it.
type PassFunc func(ctx context.Context, userID, trigger string) (*syncer.Result, error)

// Config holds daemon configuration.
type Config struct {
	PIDPath    string // pid file, removed on exit
	SocketPath string // unix control socket
	LogPath    string // rotating daemon log

	Users       []string      // users to sweep
	Interval    time.Duration // time between sweeps
	IdleTimeout time.Duration // exit after this long without activity (0 = run until stopped)

	BreakerThreshold int           // consecutive failures before a user's circuit opens (0 = default)
	BreakerCooldown  time.Duration // open-circuit cooldown (0 = default)

	WatchPaths  []string      // database paths that trigger a sweep on change (empty = no watcher)
	Debounce    time.Duration // watcher debounce window
	QuietPeriod time.Duration // watcher quiet period

	RunPass  PassFunc             // required
	Notifier notification.Manager // optional

	ConfigPath string // forwarded to the forked process
	Executable string // overrides os.Executable for Fork, used by tests
}

// Message is one IPC request: "notify", "status", or "stop".
type Message struct {
	Type string `json:"type"`
}

// Response answers an IPC request.
type Response struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Running   bool                   `json:"running"`
	SyncCount int                    `json:"sync_count,omitempty"`
	LastSync  string                 `json:"last_sync,omitempty"`
	Users     map[string]*UserStatus `json:"users,omitempty"`
}

// UserStatus is one user's sync health in a status response.
type UserStatus struct {
	SyncCount  int    `json:"sync_count"`
	ErrorCount int    `json:"error_count"`
	LastSync   string `json:"last_sync,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Healthy    bool   `json:"healthy"`
	Breaker    string `json:"breaker"`
}

// userState tracks one user's sweep outcomes. Fields are guarded by
// Daemon.mu; the breaker has its own lock.
type userState struct {
	breaker    *CircuitBreaker
	syncCount  int
	errorCount int
	lastSync   time.Time
	lastError  string
}

// Daemon is a running daemon instance.
type Daemon struct {
	cfg       *Config
	sd        *shutdown.Manager
	log       *utils.BackgroundLogger
	listener  net.Listener
	watch     *watcher.Watcher
	triggerCh chan string

	syncMu sync.Mutex // serializes sweeps; ticker, notify, and watcher can race

	mu        sync.RWMutex
	users     map[string]*userState
	syncCount int
	lastSync  time.Time
}

// New creates a Daemon. Call Start in the process that should run it.
func New(cfg *Config) *Daemon {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}

	users := make(map[string]*userState, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u] = &userState{breaker: NewCircuitBreaker(threshold, cooldown)}
	}

	return &Daemon{
		cfg:       cfg,
		sd:        shutdown.NewManager(),
		triggerCh: make(chan string, 1),
		users:     users,
	}
}

// Start runs the daemon until stopped by signal, IPC, or idle timeout. It
// writes the PID file, listens on the control socket, and sweeps all users
// once immediately and then on every interval tick.
func (d *Daemon) Start() error {
	if d.cfg.RunPass == nil {
		return fmt.Errorf("daemon requires a pass function")
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.PIDPath), 0700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(d.cfg.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(d.cfg.SocketPath)
	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		_ = os.Remove(d.cfg.PIDPath)
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	d.listener = listener

	if d.cfg.LogPath != "" {
		d.log, err = utils.NewBackgroundLoggerWithPath(d.cfg.LogPath)
	} else {
		d.log, err = utils.NewBackgroundLoggerWithEnabled(false)
	}
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}

	stopSignals := d.sd.HandleSignals()
	defer stopSignals()

	// LIFO: the pid file goes first so status checks stop seeing a live
	// daemon, the log closes last.
	d.sd.RegisterCleanup("daemon-log", func(ctx context.Context) error {
		d.log.Close()
		return nil
	})
	d.sd.RegisterCleanup("control-socket", func(ctx context.Context) error {
		_ = d.listener.Close()
		return os.Remove(d.cfg.SocketPath)
	})
	d.sd.RegisterCleanup("pid-file", func(ctx context.Context) error {
		return os.Remove(d.cfg.PIDPath)
	})

	if len(d.cfg.WatchPaths) > 0 {
		w, werr := watcher.New(&watcher.Config{
			Paths:            d.cfg.WatchPaths,
			DebounceDuration: d.cfg.Debounce,
			QuietPeriod:      d.cfg.QuietPeriod,
			OnSync:           func() { d.Trigger(history.TriggerWatcher) },
		})
		if werr != nil {
			d.logf("watcher unavailable: %v", werr)
		} else if werr = w.Start(); werr != nil {
			d.logf("watcher failed to start: %v", werr)
		} else {
			d.watch = w
			d.sd.RegisterCleanup("watcher", func(ctx context.Context) error {
				w.Stop()
				return nil
			})
		}
	}

	go d.handleConnections()

	d.logf("daemon started (pid %d, interval %v, users %d)", os.Getpid(), d.cfg.Interval, len(d.cfg.Users))

	interval := d.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idle := newIdleTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	// First sweep right away rather than waiting out a full interval.
	d.Trigger(history.TriggerDaemon)

	for {
		select {
		case <-d.sd.Done():
			d.logf("shutdown requested")
			return d.finish()

		case <-ticker.C:
			if d.runAll(history.TriggerDaemon) {
				idle.Reset()
			}

		case src := <-d.triggerCh:
			d.runAll(src)
			idle.Reset()

		case <-idle.C():
			d.logf("idle for %v, exiting", d.cfg.IdleTimeout)
			d.sd.Shutdown()
			return d.finish()
		}
	}
}

// Trigger queues an immediate sweep. Triggers arriving while a sweep runs
// coalesce into one follow-up sweep.
func (d *Daemon) Trigger(source string) {
	select {
	case d.triggerCh <- source:
	default:
	}
}

// Stop initiates shutdown. Exposed for the IPC handler and tests; external
// processes use Client.Stop.
func (d *Daemon) Stop() {
	d.sd.Shutdown()
}

func (d *Daemon) finish() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.sd.Wait(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// runAll sweeps every configured user once. Returns true when any pass
// changed something, which counts as activity for the idle timer.
func (d *Daemon) runAll(trigger string) bool {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	d.mu.Lock()
	d.syncCount++
	sweep := d.syncCount
	d.mu.Unlock()

	d.logf("sweep %d (trigger: %s)", sweep, trigger)

	ctx := d.sd.Context()
	active := false
	for _, userID := range d.cfg.Users {
		if ctx.Err() != nil {
			d.logf("sweep %d aborted: shutting down", sweep)
			break
		}

		d.mu.RLock()
		st := d.users[userID]
		d.mu.RUnlock()
		if st == nil {
			continue
		}

		if !st.breaker.Allow() {
			d.logf("user %s: circuit open, skipping", userID)
			continue
		}

		res, err := d.cfg.RunPass(ctx, userID, trigger)
		if d.recordOutcome(userID, st, res, err) {
			active = true
		}
	}

	d.mu.Lock()
	d.lastSync = time.Now()
	d.mu.Unlock()
	return active
}

// recordOutcome updates one user's state and breaker after a pass and fires
// notifications. Returns true when the pass changed something.
func (d *Daemon) recordOutcome(userID string, st *userState, res *syncer.Result, err error) bool {
	// A pass already running elsewhere (CLI invocation, stale lock not yet
	// expired) is not a provider failure and must not trip the breaker.
	if errors.Is(err, syncer.ErrSyncInProgress) {
		d.logf("user %s: pass already in progress elsewhere, skipped", userID)
		return false
	}

	now := time.Now()

	if err != nil {
		st.breaker.RecordFailure()
		d.mu.Lock()
		st.errorCount++
		st.lastError = err.Error()
		failures := st.errorCount
		d.mu.Unlock()

		d.logf("user %s: sync failed: %v (consecutive failures: %d)", userID, err, failures)
		if st.breaker.State() == CircuitOpen {
			d.logf("user %s: circuit opened, next attempt after cooldown", userID)
		}
		d.notify(notification.SyncFailed(userID, err))
		return false
	}

	st.breaker.RecordSuccess()
	d.mu.Lock()
	st.syncCount++
	st.errorCount = 0
	st.lastError = ""
	st.lastSync = now
	d.mu.Unlock()

	if !res.Changed() {
		d.logf("user %s: no changes", userID)
		return false
	}

	d.logf("user %s: %s", userID, res.Summary())
	if res.Conflicts > 0 {
		d.notify(notification.ConflictsFound(userID, res.Conflicts))
	} else {
		d.notify(notification.SyncCompleted(userID, res.Summary()))
	}
	return true
}

func (d *Daemon) notify(n notification.Notification) {
	if d.cfg.Notifier != nil {
		d.cfg.Notifier.SendAsync(n)
	}
}

func (d *Daemon) handleConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.sd.IsShutdown() || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logf("accept error: %v", err)
			continue
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var msg Message
	if err := decoder.Decode(&msg); err != nil {
		return
	}

	var resp Response
	switch msg.Type {
	case "notify":
		d.Trigger(history.TriggerDaemon)
		resp = Response{Status: "ok", Running: true}

	case "status":
		d.mu.RLock()
		resp = Response{
			Status:    "ok",
			Running:   true,
			SyncCount: d.syncCount,
			Users:     d.userStatuses(),
		}
		if !d.lastSync.IsZero() {
			resp.LastSync = d.lastSync.Format(time.RFC3339)
		}
		d.mu.RUnlock()

	case "stop":
		resp = Response{Status: "ok", Running: false}
		_ = encoder.Encode(resp)
		d.Stop()
		return

	default:
		resp = Response{Status: "error", Message: "unknown message type", Running: true}
	}

	_ = encoder.Encode(resp)
}

// userStatuses snapshots per-user state. Caller holds d.mu.
func (d *Daemon) userStatuses() map[string]*UserStatus {
	if len(d.users) == 0 {
		return nil
	}
	statuses := make(map[string]*UserStatus, len(d.users))
	for userID, st := range d.users {
		us := &UserStatus{
			SyncCount:  st.syncCount,
			ErrorCount: st.errorCount,
			LastError:  st.lastError,
			Healthy:    st.errorCount == 0,
			Breaker:    st.breaker.State().String(),
		}
		if !st.lastSync.IsZero() {
			us.LastSync = st.lastSync.Format(time.RFC3339)
		}
		statuses[userID] = us
	}
	return statuses
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
	}
}

// idleTimer wraps a timer that may be disabled. A nil channel never fires
// in a select, so the zero duration case needs no branching at the call
// sites.
type idleTimer struct {
	t *time.Timer
	d time.Duration
}

func newIdleTimer(d time.Duration) *idleTimer {
	if d <= 0 {
		return &idleTimer{}
	}
	return &idleTimer{t: time.NewTimer(d), d: d}
}

func (it *idleTimer) C() <-chan time.Time {
	if it.t == nil {
		return nil
	}
	return it.t.C
}

func (it *idleTimer) Reset() {
	if it.t == nil {
		return
	}
	if !it.t.Stop() {
		select {
		case <-it.t.C:
		default:
		}
	}
	it.t.Reset(it.d)
}

func (it *idleTimer) Stop() {
	if it.t != nil {
		it.t.Stop()
	}
}
