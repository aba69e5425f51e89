// Package shutdown coordinates graceful teardown of the daemon: signal
// handling, cleanup registration, and bounded waiting so an in-flight sync
// pass can finish before the process exits.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"todosync/internal/utils"
)

// CleanupFunc releases one resource on shutdown. The context is cancelled
// when the shutdown deadline passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu         sync.Mutex
	cleanups   []cleanupEntry
	shutdown   bool
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

// NewManager creates a new shutdown manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterCleanup registers a named cleanup function. Cleanups run in LIFO
// order, so register foundations first and dependents later.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown initiates a graceful shutdown. Safe to call more than once; only
// the first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		m.mu.Unlock()

		m.cancel()
		close(m.shutdownCh)
	})
}

// HandleSignals shuts the manager down when SIGINT or SIGTERM arrives. The
// returned stop function detaches the handler.
func (m *Manager) HandleSignals() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		utils.Infof("received %s, shutting down", sig)
		m.Shutdown()
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// Done returns a channel closed when shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// runCleanups executes all cleanup functions in LIFO order, logging failures
// and continuing with the rest.
func (m *Manager) runCleanups(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]cleanupEntry, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i].fn(ctx); err != nil {
			utils.Warnf("cleanup %s: %v", cleanups[i].name, err)
		} else {
			utils.Debugf("cleanup %s done", cleanups[i].name)
		}
	}
}

// Wait runs the registered cleanups and blocks until they finish or ctx
// expires. Cleanups still running at the deadline are abandoned.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.runCleanups(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns true if shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Context returns a context cancelled when shutdown is initiated. Long
// operations like sync passes should run under it.
func (m *Manager) Context() context.Context {
	return m.ctx
}
