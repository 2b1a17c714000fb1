package shard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitledger/orbitledger/core/ledger"
)

func TestResolveEmptyPayloadIsLocalOnly(t *testing.T) {
	r := NewResolver(3, 10, 0, nil)
	tx := ledger.New("alice", 1, nil)

	got := r.Resolve(tx)
	require.Equal(t, []ID{3}, got, "empty payload must stay on the local shard")
}

func TestResolveAlwaysIncludesLocalShard(t *testing.T) {
	r := NewResolver(7, 16, 0, nil)
	tx := ledger.New("alice", 1, []byte("cross-shard payload"), "parent-a", "parent-b")

	got := r.Resolve(tx)
	require.NotEmpty(t, got)
	require.Equal(t, ID(7), got[0], "local shard leads the result")
}

func TestResolveIsIdempotent(t *testing.T) {
	cache := ParentCacheFunc(func(id string) (ID, bool) {
		if id == "parent-a" {
			return 2, true
		}
		return 0, false
	})
	r := NewResolver(0, 8, 0, cache)
	tx := ledger.New("alice", 1, []byte{0xde, 0xad, 0xbe, 0xef}, "parent-a", "parent-b")

	first := r.Resolve(tx)
	second := r.Resolve(tx)
	require.Equal(t, first, second, "same inputs must yield the same shard set")
}

func TestResolveDeduplicatesAndSorts(t *testing.T) {
	// Every parent resolves to the same shard; the result must contain it once.
	cache := ParentCacheFunc(func(string) (ID, bool) { return 5, true })
	r := NewResolver(1, 16, 0, cache)
	tx := ledger.New("alice", 1, []byte("payload"), "p1", "p2", "p3")

	got := r.Resolve(tx)
	seen := map[ID]struct{}{}
	for _, s := range got {
		_, dup := seen[s]
		require.False(t, dup, "shard %d appears twice", s)
		seen[s] = struct{}{}
	}
	require.Contains(t, got, ID(5))
	for i := 2; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "tail must be ascending")
	}
}

func TestResolveCapsAffectedShards(t *testing.T) {
	// Spread parents over many shards to overflow the cap.
	next := ID(0)
	cache := ParentCacheFunc(func(string) (ID, bool) {
		next++
		return next % 64, true
	})
	r := NewResolver(0, 64, 5, cache)

	parents := make([]string, 20)
	for i := range parents {
		parents[i] = string(rune('a' + i))
	}
	tx := ledger.New("alice", 1, []byte("wide payload"), parents...)

	got := r.Resolve(tx)
	require.LessOrEqual(t, len(got), 5)
	require.Equal(t, ID(0), got[0], "local shard survives the cap")
}

func TestResolveParentCacheMissFallsBackToHash(t *testing.T) {
	r := NewResolver(0, 4, 0, NoParentCache)
	tx := ledger.New("alice", 1, []byte("p"), "some-parent-id")

	first := r.Resolve(tx)
	second := r.Resolve(tx)
	require.Equal(t, first, second, "hash fallback is stable")
}
