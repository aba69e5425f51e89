package shutdown

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestCleanupsRunInLIFOOrder(t *testing.T) {
	m := NewManager()

	var order []string
	m.RegisterCleanup("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.RegisterCleanup("socket", func(ctx context.Context) error {
		order = append(order, "socket")
		return nil
	})
	m.RegisterCleanup("pidfile", func(ctx context.Context) error {
		order = append(order, "pidfile")
		return nil
	})

	m.Shutdown()
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := []string{"pidfile", "socket", "store"}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("cleanup[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestCleanupErrorDoesNotStopOthers(t *testing.T) {
	m := NewManager()

	var ran int32
	m.RegisterCleanup("first", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	m.RegisterCleanup("failing", func(ctx context.Context) error {
		return errors.New("close failed")
	})

	m.Shutdown()
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("cleanup after the failing one did not run")
	}
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()

	release := make(chan struct{})
	m.RegisterCleanup("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	m.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Wait(ctx)
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestWaitLetsInFlightWorkFinish(t *testing.T) {
	m := NewManager()

	var passDone atomic.Bool
	passFinished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		passDone.Store(true)
		close(passFinished)
	}()

	m.RegisterCleanup("wait-for-pass", func(ctx context.Context) error {
		select {
		case <-passFinished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	m.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !passDone.Load() {
		t.Error("shutdown completed before the in-flight pass finished")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	m := NewManager()

	var count int32
	m.RegisterCleanup("once", func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	m.Shutdown()
	m.Shutdown()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Shutdown")
	}

	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}
}

func TestContextCancelledOnShutdown(t *testing.T) {
	m := NewManager()

	if m.IsShutdown() {
		t.Fatal("IsShutdown() = true before Shutdown")
	}
	select {
	case <-m.Context().Done():
		t.Fatal("context cancelled before Shutdown")
	default:
	}

	m.Shutdown()

	if !m.IsShutdown() {
		t.Error("IsShutdown() = false after Shutdown")
	}
	select {
	case <-m.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Shutdown")
	}
}

func TestHandleSignals(t *testing.T) {
	m := NewManager()
	stop := m.HandleSignals()
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("sending SIGTERM: %v", err)
	}

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not trigger shutdown")
	}
}
