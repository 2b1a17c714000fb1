// Package shard holds shard identity, the shard registry collaborator and
// the affinity resolver that maps a transaction to the set of shards it
// touches.
package shard

import "time"

// ID identifies a shard. Shards are numbered 0..ShardCount-1.
type ID = uint32

// Connection is an observed link between two shards with its raw latency,
// as reported by the registry. The routing optimizer layers performance
// penalties on top of it.
type Connection struct {
	From    ID
	To      ID
	Latency time.Duration
}

// Registry is the shard topology collaborator. Implementations are expected
// to be safe for concurrent use.
type Registry interface {
	// ShardCount returns the total number of shards.
	ShardCount() uint32
	// ShardExists reports whether the id is a live shard.
	ShardExists(id ID) bool
	// ConnectionsFrom returns the outbound links observed from a shard.
	ConnectionsFrom(id ID) []Connection
}

// StaticRegistry is a fixed-topology Registry for tests and single-process
// deployments.
type StaticRegistry struct {
	count       uint32
	connections map[ID][]Connection
}

// NewStaticRegistry creates a registry with count shards and the given
// connection list.
func NewStaticRegistry(count uint32, conns ...Connection) *StaticRegistry {
	byShard := make(map[ID][]Connection)
	for _, c := range conns {
		byShard[c.From] = append(byShard[c.From], c)
	}
	return &StaticRegistry{count: count, connections: byShard}
}

func (r *StaticRegistry) ShardCount() uint32 { return r.count }

func (r *StaticRegistry) ShardExists(id ID) bool { return id < r.count }

func (r *StaticRegistry) ConnectionsFrom(id ID) []Connection {
	conns := r.connections[id]
	out := make([]Connection, len(conns))
	copy(out, conns)
	return out
}
