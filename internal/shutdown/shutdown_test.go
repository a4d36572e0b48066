package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownRunsComponents(t *testing.T) {
	coord := NewCoordinator(WithLogger(discardLogger()))

	var calls int32
	for _, name := range []string{"store", "worker", "server"} {
		coord.Register(NewFuncComponent(name, func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}))
	}

	coord.Shutdown()
	coord.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("components called = %d, want 3", got)
	}
	if coord.ExitCode() != 0 {
		t.Errorf("ExitCode = %d, want 0", coord.ExitCode())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	coord := NewCoordinator(WithLogger(discardLogger()))

	var calls int32
	coord.Register(NewFuncComponent("once", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	coord.Shutdown()
	coord.Shutdown()
	coord.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("component called %d times, want 1", got)
	}
}

func TestShutdownComponentError(t *testing.T) {
	coord := NewCoordinator(WithLogger(discardLogger()))

	coord.Register(NewFuncComponent("broken", func(ctx context.Context) error {
		return errors.New("close failed")
	}))

	coord.Shutdown()
	coord.Wait()

	// Component errors are logged; only a timeout forces exit code 1.
	if coord.ExitCode() != 0 {
		t.Errorf("ExitCode = %d, want 0", coord.ExitCode())
	}
}

func TestShutdownTimeout(t *testing.T) {
	coord := NewCoordinator(
		WithLogger(discardLogger()),
		WithTimeout(50*time.Millisecond),
	)

	release := make(chan struct{})
	coord.Register(NewFuncComponent("stuck", func(ctx context.Context) error {
		<-release
		return nil
	}))

	coord.Shutdown()
	coord.Wait()
	close(release)

	if coord.ExitCode() != 1 {
		t.Errorf("ExitCode = %d, want 1 after timeout", coord.ExitCode())
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	coord := NewCoordinator(
		WithLogger(discardLogger()),
		WithSignalChannel(sigCh),
	)

	var called int32
	coord.Register(NewFuncComponent("store", func(ctx context.Context) error {
		atomic.AddInt32(&called, 1)
		return nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.WaitForSignal()
	}()

	sigCh <- syscall.SIGTERM
	wg.Wait()
	coord.Wait()

	if atomic.LoadInt32(&called) != 1 {
		t.Error("component not shut down after signal")
	}
}

func TestCloserComponent(t *testing.T) {
	closed := false
	comp := NewCloserComponent("store", closerFunc(func() error {
		closed = true
		return nil
	}))

	if comp.Name() != "store" {
		t.Errorf("Name = %s", comp.Name())
	}
	if err := comp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !closed {
		t.Error("closer not called")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeWorker struct {
	stopped chan struct{}
}

func (w *fakeWorker) Stop() { close(w.stopped) }

func TestWorkerComponent(t *testing.T) {
	w := &fakeWorker{stopped: make(chan struct{})}
	comp := NewWorkerComponent("install-worker", w)

	if err := comp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-w.stopped:
	default:
		t.Error("worker not stopped")
	}
}
