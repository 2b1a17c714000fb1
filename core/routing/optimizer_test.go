package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitledger/orbitledger/core/shard"
	"github.com/orbitledger/orbitledger/core/shardmetrics"
)

const (
	shardA shard.ID = 0
	shardB shard.ID = 1
	shardC shard.ID = 2
)

// triangle wires A-B=10ms, B-C=10ms, A-C=100ms in both directions.
func triangle() *shard.StaticRegistry {
	return shard.NewStaticRegistry(3,
		shard.Connection{From: shardA, To: shardB, Latency: 10 * time.Millisecond},
		shard.Connection{From: shardB, To: shardA, Latency: 10 * time.Millisecond},
		shard.Connection{From: shardB, To: shardC, Latency: 10 * time.Millisecond},
		shard.Connection{From: shardC, To: shardB, Latency: 10 * time.Millisecond},
		shard.Connection{From: shardA, To: shardC, Latency: 100 * time.Millisecond},
		shard.Connection{From: shardC, To: shardA, Latency: 100 * time.Millisecond},
	)
}

// healthy is a snapshot with zero penalty.
func healthy() shardmetrics.Snapshot {
	return shardmetrics.Snapshot{Latency: 0, Load: 0, SuccessRate: 1.0, Taken: time.Now()}
}

func TestPathPrefersCheapRelay(t *testing.T) {
	feed := shardmetrics.NewFeed(nil, nil)
	feed.Update(map[shard.ID]shardmetrics.Snapshot{
		shardA: healthy(), shardB: healthy(), shardC: healthy(),
	})

	opt := NewOptimizer(triangle(), feed, nil)
	opt.Recompute()

	require.Equal(t, []shard.ID{shardA, shardB, shardC}, opt.Path(shardA, shardC))
}

func TestPathAvoidsPenalizedRelay(t *testing.T) {
	feed := shardmetrics.NewFeed(nil, nil)
	// B is overloaded and flaky: 100*1.0 + 200*0.5 = 250 penalty per hop
	// through it, pushing A->B->C above the direct 100ms edge.
	feed.Update(map[shard.ID]shardmetrics.Snapshot{
		shardA: healthy(),
		shardB: {Load: 1.0, SuccessRate: 0.5, Taken: time.Now()},
		shardC: healthy(),
	})

	opt := NewOptimizer(triangle(), feed, nil)
	opt.Recompute()

	require.Equal(t, []shard.ID{shardA, shardC}, opt.Path(shardA, shardC))
}

func TestPathFallsBackWhenUnreachable(t *testing.T) {
	// No edges at all: every pair must yield the direct two-hop fallback.
	opt := NewOptimizer(shard.NewStaticRegistry(3), nil, nil)
	opt.Recompute()

	require.Equal(t, []shard.ID{shardA, shardC}, opt.Path(shardA, shardC))
	require.Equal(t, []shard.ID{shardC, shardB}, opt.Path(shardC, shardB))
}

func TestPathSameShard(t *testing.T) {
	opt := NewOptimizer(triangle(), nil, nil)
	opt.Recompute()

	require.Equal(t, []shard.ID{shardB}, opt.Path(shardB, shardB))
}

func TestTableSnapshotIsStable(t *testing.T) {
	opt := NewOptimizer(triangle(), nil, nil)
	opt.Recompute()
	snapshot := opt.Table()
	before := snapshot.Path(shardA, shardC)

	// A later recomputation must not mutate the snapshot a reader holds.
	opt.Recompute()
	require.Equal(t, before, snapshot.Path(shardA, shardC))
}
