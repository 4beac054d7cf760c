// Package shutdown coordinates process termination: the first trigger runs
// cleanup exactly once under a hard timeout, then exits.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultTimeout bounds how long cleanup may run before a forced exit.
const DefaultTimeout = 10 * time.Second

// State is the Terminator's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CleanupFunc releases resources. ctx is cancelled when the hard timeout fires.
type CleanupFunc func(ctx context.Context) error

// Option configures a Terminator.
type Option func(*Terminator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithExit replaces os.Exit, mainly for tests.
func WithExit(exit func(code int)) Option {
	return func(t *Terminator) { t.exit = exit }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Terminator) { t.logger = logger }
}

// Terminator is the single shutdown path for a process.
type Terminator struct {
	cleanup CleanupFunc
	timeout time.Duration
	exit    func(code int)
	logger  *slog.Logger

	state    atomic.Int32
	exitOnce sync.Once
	exitCode atomic.Int32
	done     chan struct{}
}

// New creates a Terminator around cleanup. A nil cleanup is treated as a no-op.
func New(cleanup CleanupFunc, opts ...Option) *Terminator {
	if cleanup == nil {
		cleanup = func(context.Context) error { return nil }
	}
	t := &Terminator{
		cleanup: cleanup,
		timeout: DefaultTimeout,
		exit:    os.Exit,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State reports the current lifecycle state.
func (t *Terminator) State() State {
	return State(t.state.Load())
}

// Done is closed once the exit function has been called.
func (t *Terminator) Done() <-chan struct{} {
	return t.done
}

// ExitCode returns the code passed to exit, valid after Done is closed.
func (t *Terminator) ExitCode() int {
	return int(t.exitCode.Load())
}

// Terminate runs cleanup and exits with code, or 1 if cleanup fails, panics or
// outlives the timeout. Only the first call does anything; later calls are
// logged and return immediately. The first call blocks until exit is invoked.
func (t *Terminator) Terminate(reason string, code int) {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateTerminating)) {
		t.logger.Info("Terminator.Terminate: shutdown already in progress, ignoring", "reason", reason, "state", t.State().String())
		return
	}
	t.logger.Info("Terminator.Terminate: shutting down", "reason", reason, "code", code, "timeout", t.timeout)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("cleanup panicked: %v", r)
			}
		}()
		result <- t.cleanup(ctx)
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		timer.Stop()
		if err != nil {
			t.logger.Error("Terminator.Terminate: cleanup failed", "reason", reason, "error", err)
			t.exitWith(1)
			return
		}
		t.logger.Info("Terminator.Terminate: cleanup complete", "reason", reason, "code", code)
		t.exitWith(code)
	case <-timer.C:
		t.logger.Error("Terminator.Terminate: cleanup timed out, forcing exit", "reason", reason, "timeout", t.timeout)
		t.exitWith(1)
	}
}

// Fatal routes an unrecoverable error through Terminate with exit code 1.
func (t *Terminator) Fatal(err error) {
	t.logger.Error("Terminator.Fatal: unrecoverable error", "error", err)
	t.Terminate(fmt.Sprintf("fatal: %v", err), 1)
}

// Go runs fn on its own goroutine. A returned error or a panic becomes Fatal.
func (t *Terminator) Go(name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatal(fmt.Errorf("%s panicked: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			t.Fatal(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// HandleSignals terminates with code 0 on SIGINT or SIGTERM. Repeated signals
// reach Terminate and are ignored there. The returned func stops listening.
func (t *Terminator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigs:
				go t.Terminate("signal: "+sig.String(), 0)
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

func (t *Terminator) exitWith(code int) {
	t.exitOnce.Do(func() {
		t.exitCode.Store(int32(code))
		t.state.Store(int32(StateExited))
		close(t.done)
		t.exit(code)
	})
}
