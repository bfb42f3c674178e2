package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidInterval(t *testing.T) {
	_, err := New("test", 0, func(context.Context) {})
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestTaskImmediate(t *testing.T) {
	var calls atomic.Int64

	task, err := New("test", time.Hour, func(context.Context) { calls.Add(1) }, WithImmediate())
	require.NoError(t, err)

	task.Start(context.Background())
	assert.True(t, task.Running())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	task.Stop()
	assert.False(t, task.Running())
	assert.Equal(t, int64(1), calls.Load())
}

func TestTaskTicks(t *testing.T) {
	var calls atomic.Int64

	task, err := New("test", 5*time.Millisecond, func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	task.Start(context.Background())
	// Second start must not launch another loop
	task.Start(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	task.Stop()

	stopped := calls.Load()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "task must not run after Stop")

	// Stop on a stopped task is a no-op
	task.Stop()
}

func TestTaskParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	task, err := New("test", time.Hour, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	}, WithImmediate())
	require.NoError(t, err)

	task.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task function did not observe parent cancellation")
	}

	task.Stop()
}

func TestTaskCancelFromWithin(t *testing.T) {
	var task *Task

	var calls atomic.Int64

	task, err := New("test", time.Hour, func(context.Context) {
		calls.Add(1)
		task.Cancel()
	}, WithImmediate())
	require.NoError(t, err)

	task.Start(context.Background())

	assert.Eventually(t, func() bool { return !task.Running() }, time.Second, time.Millisecond)
	task.Stop()
	assert.Equal(t, int64(1), calls.Load())
}
