package shardmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitledger/orbitledger/core/shard"
)

func TestFeedUpdateReplacesWholesale(t *testing.T) {
	feed := NewFeed(nil, nil)
	feed.Update(map[shard.ID]Snapshot{
		0: {Load: 0.5},
		1: {Load: 0.9},
	})
	feed.Update(map[shard.ID]Snapshot{2: {Load: 0.1}})

	_, ok := feed.Get(0)
	require.False(t, ok, "stale entries must not survive an update")
	s, ok := feed.Get(2)
	require.True(t, ok)
	require.Equal(t, 0.1, s.Load)
}

func TestFeedAllReturnsACopy(t *testing.T) {
	feed := NewFeed(nil, nil)
	feed.Update(map[shard.ID]Snapshot{0: {Load: 0.5}})

	snap := feed.All()
	snap[0] = Snapshot{Load: 0.99}

	s, _ := feed.Get(0)
	require.Equal(t, 0.5, s.Load, "mutating a reader copy must not affect the feed")
}

func TestFeedRunKeepsLastGoodSnapshotOnError(t *testing.T) {
	calls := 0
	provider := ProviderFunc(func(ctx context.Context) (map[shard.ID]Snapshot, error) {
		calls++
		if calls == 1 {
			return map[shard.ID]Snapshot{3: {SuccessRate: 1.0}}, nil
		}
		return nil, errors.New("collector offline")
	})
	feed := NewFeed(provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		feed.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return calls >= 3
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	s, ok := feed.Get(3)
	require.True(t, ok, "the last successful snapshot remains visible")
	require.Equal(t, 1.0, s.SuccessRate)
}
