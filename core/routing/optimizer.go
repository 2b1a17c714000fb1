// Package routing maintains an advisory shard-to-shard path table. Paths are
// recomputed periodically from the registry's observed connections, weighted
// by raw latency plus a performance penalty for the target shard. The table
// is a forwarding hint only; 2PC correctness never depends on it.
package routing

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/shard"
	"github.com/orbitledger/orbitledger/core/shardmetrics"
)

// Penalty weighting, favouring shards that are fast, lightly loaded and
// reliable. A shard without metrics costs a flat defaultPenalty.
const (
	latencyPenaltyWeight = 0.5
	loadPenaltyWeight    = 100.0
	failurePenaltyWeight = 200.0
	defaultPenalty       = 50.0
)

// Table maps ordered shard pairs to the full path between them, endpoints
// included. It is immutable once published.
type Table struct {
	paths map[[2]shard.ID][]shard.ID
}

// Path returns the route from one shard to another. Unknown pairs fall back
// to the direct two-hop path; from == to yields a single-element path.
func (t *Table) Path(from, to shard.ID) []shard.ID {
	if from == to {
		return []shard.ID{from}
	}
	if t != nil {
		if p, ok := t.paths[[2]shard.ID{from, to}]; ok {
			out := make([]shard.ID, len(p))
			copy(out, p)
			return out
		}
	}
	return []shard.ID{from, to}
}

// Len returns the number of computed pairs.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.paths)
}

// Optimizer recomputes the path table on a timer. Readers take a snapshot
// pointer and never block a recomputation.
type Optimizer struct {
	registry shard.Registry
	metrics  *shardmetrics.Feed
	logger   *zap.Logger

	mu    sync.RWMutex
	table *Table
}

// NewOptimizer creates an optimizer over the registry's topology. The
// metrics feed may be nil, in which case every shard costs defaultPenalty.
func NewOptimizer(registry shard.Registry, metrics *shardmetrics.Feed, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		table:    &Table{paths: map[[2]shard.ID][]shard.ID{}},
	}
}

// Table returns the current snapshot.
func (o *Optimizer) Table() *Table {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.table
}

// Path is shorthand for Table().Path.
func (o *Optimizer) Path(from, to shard.ID) []shard.ID {
	return o.Table().Path(from, to)
}

// Recompute rebuilds the whole table from the registry and the latest
// metrics snapshot, then swaps it in atomically.
func (o *Optimizer) Recompute() {
	count := o.registry.ShardCount()

	adjacency := make(map[shard.ID][]shard.Connection, count)
	for id := shard.ID(0); id < count; id++ {
		adjacency[id] = o.registry.ConnectionsFrom(id)
	}

	var snapshots map[shard.ID]shardmetrics.Snapshot
	if o.metrics != nil {
		snapshots = o.metrics.All()
	}

	paths := make(map[[2]shard.ID][]shard.ID)
	for from := shard.ID(0); from < count; from++ {
		dist, prev := dijkstra(from, count, adjacency, snapshots)
		for to := shard.ID(0); to < count; to++ {
			if to == from {
				continue
			}
			if math.IsInf(dist[to], 1) {
				// Unreachable: keep the direct two-hop fallback.
				paths[[2]shard.ID{from, to}] = []shard.ID{from, to}
				continue
			}
			paths[[2]shard.ID{from, to}] = rebuild(from, to, prev)
		}
	}

	o.mu.Lock()
	o.table = &Table{paths: paths}
	o.mu.Unlock()

	o.logger.Debug("routing table recomputed", zap.Int("pairs", len(paths)))
}

// Run recomputes the table on the interval until the context is cancelled.
// One recomputation happens immediately so early sends have a table.
func (o *Optimizer) Run(ctx context.Context, interval time.Duration) {
	o.Recompute()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Recompute()
		}
	}
}

// penalty scores how expensive it is to route through a shard.
func penalty(id shard.ID, snapshots map[shard.ID]shardmetrics.Snapshot) float64 {
	s, ok := snapshots[id]
	if !ok {
		return defaultPenalty
	}
	latencyMs := float64(s.Latency) / float64(time.Millisecond)
	return latencyPenaltyWeight*latencyMs +
		loadPenaltyWeight*s.Load +
		failurePenaltyWeight*(1.0-s.SuccessRate)
}

func dijkstra(
	from shard.ID,
	count uint32,
	adjacency map[shard.ID][]shard.Connection,
	snapshots map[shard.ID]shardmetrics.Snapshot,
) (map[shard.ID]float64, map[shard.ID]shard.ID) {
	dist := make(map[shard.ID]float64, count)
	prev := make(map[shard.ID]shard.ID, count)
	for id := shard.ID(0); id < count; id++ {
		dist[id] = math.Inf(1)
	}
	dist[from] = 0

	pq := &pathHeap{{node: from, cost: 0}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pathNode)
		if cur.cost > dist[cur.node] {
			continue
		}
		for _, conn := range adjacency[cur.node] {
			weight := float64(conn.Latency)/float64(time.Millisecond) + penalty(conn.To, snapshots)
			next := cur.cost + weight
			if next < dist[conn.To] {
				dist[conn.To] = next
				prev[conn.To] = cur.node
				heap.Push(pq, pathNode{node: conn.To, cost: next})
			}
		}
	}
	return dist, prev
}

// rebuild walks predecessors back from the destination.
func rebuild(from, to shard.ID, prev map[shard.ID]shard.ID) []shard.ID {
	path := []shard.ID{to}
	cur := to
	for cur != from {
		p, ok := prev[cur]
		if !ok {
			return []shard.ID{from, to}
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

type pathNode struct {
	node shard.ID
	cost float64
}

type pathHeap []pathNode

func (h pathHeap) Len() int           { return len(h) }
func (h pathHeap) Less(i, j int) bool { return h[i].cost < h[j].cost }
func (h pathHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pathHeap) Push(x any)        { *h = append(*h, x.(pathNode)) }
func (h *pathHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
