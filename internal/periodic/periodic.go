// Package periodic implements cancellable tasks that run a function at a
// fixed interval.
package periodic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Custom errors.
var (
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Func is the function executed on every tick.
type Func func(ctx context.Context)

// Task runs a Func periodically between Start and Stop.
type Task struct {
	name      string
	interval  time.Duration
	immediate bool
	fn        Func
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Task.
type Option func(*Task)

// WithImmediate runs the function as soon as the task starts instead of
// waiting for the first tick.
func WithImmediate() Option {
	return func(t *Task) {
		t.immediate = true
	}
}

// WithLogger sets the logger of the task.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Task) {
		t.logger = logger
	}
}

// New returns a new stopped Task.
func New(name string, interval time.Duration, fn Func, opts ...Option) (*Task, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}

	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Start launches the task loop. Calling Start on a running task is a no-op.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	t.wg.Add(1)

	go func() {
		defer t.wg.Done()
		t.loop(ctx)
	}()
}

// Cancel signals the loop to stop without waiting for it. It is safe to call
// from within the task function.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.cancel()
	t.running = false
}

// Stop cancels the loop and waits until the running function, if any, returns.
func (t *Task) Stop() {
	t.Cancel()
	t.wg.Wait()
}

// Running returns true when the loop has been started and not cancelled.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.running
}

func (t *Task) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Debug("Starting periodic task", "task", t.name, "interval", t.interval)

	if t.immediate {
		t.fn(ctx)
	}

	for {
		select {
		case <-ticker.C:
			t.fn(ctx)
		case <-ctx.Done():
			t.logger.Debug("Stopping periodic task", "task", t.name)

			return
		}
	}
}
