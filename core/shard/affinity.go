package shard

import (
	"math/rand"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/orbitledger/orbitledger/core/ledger"
)

// payloadPrefixLen bounds how much of the payload feeds the affinity hash.
const payloadPrefixLen = 16

// DefaultMaxAffectedShards caps the affinity set size.
const DefaultMaxAffectedShards = 5

// ParentCache resolves the shard a transaction is recorded on. Lookups may
// be stale; a miss falls back to hashing the transaction id.
type ParentCache interface {
	ShardOf(txID string) (ID, bool)
}

// ParentCacheFunc adapts a function to the ParentCache interface.
type ParentCacheFunc func(txID string) (ID, bool)

func (f ParentCacheFunc) ShardOf(txID string) (ID, bool) { return f(txID) }

// NoParentCache always misses, forcing the hash fallback.
var NoParentCache = ParentCacheFunc(func(string) (ID, bool) { return 0, false })

// Resolver computes the ordered, deduplicated set of shards a transaction
// touches. It is a pure computation with no failure modes; single-shard
// results are rejected downstream by the coordinator.
type Resolver struct {
	local      ID
	shardCount uint32
	maxShards  int
	parents    ParentCache
}

// NewResolver creates a resolver for the local shard. maxShards <= 0 selects
// DefaultMaxAffectedShards.
func NewResolver(local ID, shardCount uint32, maxShards int, parents ParentCache) *Resolver {
	if maxShards <= 0 {
		maxShards = DefaultMaxAffectedShards
	}
	if parents == nil {
		parents = NoParentCache
	}
	return &Resolver{local: local, shardCount: shardCount, maxShards: maxShards, parents: parents}
}

// Resolve returns the affected shard set, local shard first and the rest in
// ascending order. An empty payload is the single-shard fast path. When the
// candidate set exceeds the cap, the local shard is kept and the remaining
// slots are filled by random sampling, so capped results are not
// deterministic across calls.
func (r *Resolver) Resolve(tx *ledger.Transaction) []ID {
	if len(tx.Payload) == 0 {
		return []ID{r.local}
	}

	candidates := map[ID]struct{}{r.local: {}}

	prefix := tx.Payload
	if len(prefix) > payloadPrefixLen {
		prefix = prefix[:payloadPrefixLen]
	}
	candidates[ID(farm.Fingerprint64(prefix)%uint64(r.shardCount))] = struct{}{}

	for _, parentID := range tx.ParentIDs {
		if parentID == "" {
			continue
		}
		if s, ok := r.parents.ShardOf(parentID); ok {
			candidates[s] = struct{}{}
			continue
		}
		candidates[ID(farm.Fingerprint64([]byte(parentID))%uint64(r.shardCount))] = struct{}{}
	}

	if len(candidates) <= r.maxShards {
		return r.ordered(candidates)
	}

	// Over the cap: keep the local shard and sample the rest.
	others := make([]ID, 0, len(candidates)-1)
	for s := range candidates {
		if s != r.local {
			others = append(others, s)
		}
	}
	rand.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })

	kept := map[ID]struct{}{r.local: {}}
	for _, s := range others {
		if len(kept) >= r.maxShards {
			break
		}
		kept[s] = struct{}{}
	}
	return r.ordered(kept)
}

// ordered lists the local shard first, then the rest ascending.
func (r *Resolver) ordered(set map[ID]struct{}) []ID {
	out := make([]ID, 0, len(set))
	for s := range set {
		if s != r.local {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return append([]ID{r.local}, out...)
}
