// Package lifecycle runs long-lived background workers through a fixed
// init → periodic execute → close protocol with cooperative cancellation.
//
// Every worker in the server (accept loop, command loop, frame producer,
// motor driver, config watcher) is a Worker.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/k4Y53N/nanoServer/log"
)

// ErrNegativeInterval is returned by SetInterval for intervals below zero.
var ErrNegativeInterval = errors.New("lifecycle: interval must not be negative")

// Phases is the behavior a Worker drives.
//
// Init runs once before the loop; an error skips the loop but Close still runs.
// Execute runs once per interval; errors and panics are logged and the loop continues.
// Close runs exactly once after the loop exits.
//
// The context passed to Init and Execute is cancelled when the worker is closed.
type Phases interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context) error
	Close()
}

// PhaseFuncs adapts plain functions to Phases. Nil functions are no-ops.
type PhaseFuncs struct {
	InitFn    func(ctx context.Context) error
	ExecuteFn func(ctx context.Context) error
	CloseFn   func()
}

// Init implements Phases.
func (p PhaseFuncs) Init(ctx context.Context) error {
	if p.InitFn == nil {
		return nil
	}
	return p.InitFn(ctx)
}

// Execute implements Phases.
func (p PhaseFuncs) Execute(ctx context.Context) error {
	if p.ExecuteFn == nil {
		return nil
	}
	return p.ExecuteFn(ctx)
}

// Close implements Phases.
func (p PhaseFuncs) Close() {
	if p.CloseFn != nil {
		p.CloseFn()
	}
}

// Worker drives Phases on a background goroutine.
type Worker struct {
	name   string
	phases Phases
	logger *log.Logger

	mu       sync.Mutex
	interval time.Duration
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}

	// rearm wakes a waiting loop after SetInterval.
	rearm chan struct{}
}

// New creates a worker. Negative intervals are treated as zero.
func New(name string, phases Phases, interval time.Duration, logger *log.Logger) *Worker {
	if interval < 0 {
		interval = 0
	}
	return &Worker{
		name:     name,
		phases:   phases,
		logger:   log.OrNop(logger).Component(name),
		interval: interval,
		rearm:    make(chan struct{}, 1),
	}
}

// NewFunc creates a worker that calls fn once per interval.
func NewFunc(name string, fn func(ctx context.Context) error, interval time.Duration, logger *log.Logger) *Worker {
	return New(name, PhaseFuncs{ExecuteFn: fn}, interval, logger)
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Start spawns the background execution. Calling Start more than once,
// or after Close, does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)
}

// Close signals cancellation. It does not wait; use Join for that.
// Close is idempotent and safe to call before Start or from inside Execute.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
}

// Join blocks until the background execution has fully exited.
// It returns immediately if the worker was never started.
func (w *Worker) Join() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Done returns a channel closed when the worker has exited.
// A worker that was never started returns a closed channel.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

// Running reports whether the worker has started and not yet exited.
func (w *Worker) Running() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Interval returns the current pacing interval.
func (w *Worker) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// SetInterval changes the pacing of the execute phase. A loop that is
// currently waiting re-arms with the new interval.
func (w *Worker) SetInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeInterval, d)
	}
	w.mu.Lock()
	w.interval = d
	w.mu.Unlock()

	select {
	case w.rearm <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.closePhase()

	if err := w.safeCall(ctx, "init", w.phases.Init); err != nil {
		w.logger.Error("init failed, skipping execute loop", map[string]any{
			"error": err.Error(),
		})
		return
	}

	timer := time.NewTimer(w.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.rearm:
			resetTimer(timer, w.Interval())
			continue
		case <-timer.C:
		}

		// Cancellation wins over a timer that fired in the same instant.
		if ctx.Err() != nil {
			return
		}

		if err := w.safeCall(ctx, "execute", w.phases.Execute); err != nil {
			w.logger.Warn("execute failed", map[string]any{
				"error": err.Error(),
			})
		}
		timer.Reset(w.Interval())
	}
}

func (w *Worker) closePhase() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("close phase panicked", map[string]any{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	w.phases.Close()
}

// safeCall runs a phase and converts a panic into an error.
func (w *Worker) safeCall(ctx context.Context, phase string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s phase panicked: %v", phase, r)
		}
	}()
	return fn(ctx)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
