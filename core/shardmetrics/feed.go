// Package shardmetrics maintains the latest per-shard performance snapshot.
// Snapshots are advisory: routing and scheduling consume them for weighting
// and concurrency decisions, never for correctness.
package shardmetrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/shard"
)

// Snapshot is one shard's observed health at a point in time.
type Snapshot struct {
	// Latency is the shard's average request latency.
	Latency time.Duration
	// Load is the shard's utilisation in [0,1].
	Load float64
	// SuccessRate is the fraction of recent operations that succeeded, in [0,1].
	SuccessRate float64
	// Taken is when the snapshot was collected.
	Taken time.Time
}

// Provider collects fresh snapshots for all shards. It is an external
// collaborator; collection failures are tolerated and the previous snapshot
// set stays in effect.
type Provider interface {
	Collect(ctx context.Context) (map[shard.ID]Snapshot, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (map[shard.ID]Snapshot, error)

func (f ProviderFunc) Collect(ctx context.Context) (map[shard.ID]Snapshot, error) {
	return f(ctx)
}

// Feed holds the most recent snapshot set. The set is replaced wholesale on
// each update; readers receive copies and never block a refresh.
type Feed struct {
	provider Provider
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[shard.ID]Snapshot
}

// NewFeed creates a feed backed by the given provider.
func NewFeed(provider Provider, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		provider: provider,
		logger:   logger,
		latest:   make(map[shard.ID]Snapshot),
	}
}

// Update replaces the snapshot set.
func (f *Feed) Update(snapshots map[shard.ID]Snapshot) {
	copied := make(map[shard.ID]Snapshot, len(snapshots))
	for id, s := range snapshots {
		copied[id] = s
	}
	f.mu.Lock()
	f.latest = copied
	f.mu.Unlock()
}

// Get returns the latest snapshot for one shard.
func (f *Feed) Get(id shard.ID) (Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.latest[id]
	return s, ok
}

// All returns a copy of the latest snapshot set.
func (f *Feed) All() map[shard.ID]Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[shard.ID]Snapshot, len(f.latest))
	for id, s := range f.latest {
		out[id] = s
	}
	return out
}

// Run polls the provider on the interval until the context is cancelled.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshots, err := f.provider.Collect(ctx)
			if err != nil {
				f.logger.Warn("shard metrics collection failed; keeping previous snapshot",
					zap.Error(err))
				continue
			}
			f.Update(snapshots)
			f.logger.Debug("shard metrics refreshed", zap.Int("shards", len(snapshots)))
		}
	}
}
