package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	calls atomic.Int64
}

func (p *mockProvider) Fetch(_ context.Context) (*Status, Source) {
	n := p.calls.Add(1)
	status := MockStatus(testNow.Add(time.Duration(n) * time.Second))

	return status, SourceMock
}

func TestRefresherLifecycle(t *testing.T) {
	provider := &mockProvider{}

	r, err := NewRefresher(provider, 10*time.Millisecond, noOpLogger)
	require.NoError(t, err)

	_, ok := r.Latest()
	assert.False(t, ok)

	var (
		mu    sync.Mutex
		order []string
	)

	r.OnUpdate(func(Snapshot) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	r.OnUpdate(func(Snapshot) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	r.Start(context.Background())

	assert.Eventually(t, func() bool { return provider.calls.Load() >= 2 }, time.Second, time.Millisecond)

	r.Stop()

	calls := provider.calls.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, provider.calls.Load(), "no refresh after Stop")

	snapshot, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, SourceMock, snapshot.Source)
	assert.Equal(t, testNow.Add(time.Duration(calls)*time.Second).Format(TimestampLayout), snapshot.Status.LastUpdated)

	mu.Lock()
	defer mu.Unlock()

	require.GreaterOrEqual(t, len(order), 4)
	assert.Equal(t, []string{"first", "second"}, order[:2])
}

func TestRefresherForcedRefresh(t *testing.T) {
	provider := &mockProvider{}

	r, err := NewRefresher(provider, time.Hour, noOpLogger)
	require.NoError(t, err)

	snapshot := r.Refresh(context.Background())
	assert.Equal(t, int64(1), provider.calls.Load())

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, snapshot, latest)
}

func TestRefresherInvalidInterval(t *testing.T) {
	_, err := NewRefresher(&mockProvider{}, 0, noOpLogger)
	require.Error(t, err)
}
