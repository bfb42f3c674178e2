package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/umiacs/nexus-status/internal/periodic"
)

// Provider returns normalized cluster status.
type Provider interface {
	Fetch(ctx context.Context) (*Status, Source)
}

// Snapshot is a fetched status with its source and fetch time.
type Snapshot struct {
	Status    *Status
	Source    Source
	FetchedAt time.Time
}

// Refresher keeps the latest status up to date with a periodic task.
type Refresher struct {
	logger   *slog.Logger
	provider Provider
	task     *periodic.Task

	mu          sync.RWMutex
	latest      *Snapshot
	subscribers []func(Snapshot)
	refreshMu   sync.Mutex
}

// NewRefresher returns a new stopped Refresher.
func NewRefresher(provider Provider, interval time.Duration, logger *slog.Logger) (*Refresher, error) {
	r := &Refresher{
		logger:   logger,
		provider: provider,
	}

	task, err := periodic.New(
		"cluster_refresh", interval, func(ctx context.Context) { r.Refresh(ctx) },
		periodic.WithImmediate(), periodic.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	r.task = task

	return r, nil
}

// Start launches periodic refreshes. The first refresh runs immediately.
func (r *Refresher) Start(ctx context.Context) {
	r.task.Start(ctx)
}

// Stop stops periodic refreshes and waits for an ongoing refresh.
func (r *Refresher) Stop() {
	r.task.Stop()
}

// OnUpdate registers fn to be called after every refresh in registration order.
func (r *Refresher) OnUpdate(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers = append(r.subscribers, fn)
}

// Latest returns the last snapshot. ok is false before the first refresh.
func (r *Refresher) Latest() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.latest == nil {
		return Snapshot{}, false
	}

	return *r.latest, true
}

// Refresh fetches a new status, stores it and notifies subscribers.
// Concurrent calls are serialized.
func (r *Refresher) Refresh(ctx context.Context) Snapshot {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	status, source := r.provider.Fetch(ctx)
	snapshot := Snapshot{Status: status, Source: source, FetchedAt: time.Now()}

	r.mu.Lock()
	r.latest = &snapshot
	subscribers := make([]func(Snapshot), len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.Unlock()

	r.logger.Debug("Cluster status refreshed", "source", source.String(), "nodes", len(status.Nodes), "partitions", len(status.Partitions))

	for _, fn := range subscribers {
		fn(snapshot)
	}

	return snapshot
}
