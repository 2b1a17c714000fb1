package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/ledger"
)

type applierFunc func(ctx context.Context, tx *ledger.Transaction) error

func (f applierFunc) Apply(ctx context.Context, tx *ledger.Transaction) error { return f(ctx, tx) }

func collectBatches(t *testing.T, ch <-chan *Batch, n int) []*Batch {
	t.Helper()
	out := make([]*Batch, 0, n)
	for len(out) < n {
		select {
		case b := <-ch:
			out = append(out, b)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d batches, got %d", n, len(out))
		}
	}
	return out
}

func TestBatcherEmitsCeilOfQueueOverSize(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 4, MaxWait: time.Hour}, zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		b.Add(ctx, 0, 1, ledger.New("acct", uint64(i), []byte{byte(i)}))
	}
	// Two full batches flushed by size; the remainder needs an explicit
	// flush.
	b.Flush(ctx, Pair{From: 0, To: 1})

	batches := collectBatches(t, b.Batches(), 3)
	require.Equal(t, 4, batches[0].Size())
	require.Equal(t, 4, batches[1].Size())
	require.Equal(t, 2, batches[2].Size())
	for _, bt := range batches {
		require.Equal(t, StateCreated, bt.State)
	}
}

func TestBatcherKeepsPairsSeparate(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 10, MaxWait: time.Hour}, zap.NewNop(), nil)
	ctx := context.Background()

	b.Add(ctx, 0, 1, ledger.New("a", 1, []byte("x")))
	b.Add(ctx, 0, 2, ledger.New("a", 2, []byte("y")))
	b.FlushAll(ctx)

	batches := collectBatches(t, b.Batches(), 2)
	pairs := map[Pair]bool{}
	for _, bt := range batches {
		require.Equal(t, 1, bt.Size())
		pairs[Pair{From: bt.SourceShard, To: bt.DestinationShard}] = true
	}
	require.True(t, pairs[Pair{From: 0, To: 1}])
	require.True(t, pairs[Pair{From: 0, To: 2}])
}

func TestBatcherRunFlushesAgedQueues(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxWait: 20 * time.Millisecond}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, 10*time.Millisecond)

	b.Add(ctx, 2, 3, ledger.New("acct", 1, []byte("aged")))

	batches := collectBatches(t, b.Batches(), 1)
	require.Equal(t, 1, batches[0].Size())
}

func TestBatcherFlushAfterCloseIsNoOp(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 100, MaxWait: time.Hour}, zap.NewNop(), nil)
	ctx := context.Background()

	b.Add(ctx, 0, 1, ledger.New("acct", 1, []byte("queued")))
	b.Close()

	require.NotPanics(t, func() {
		b.Flush(ctx, Pair{From: 0, To: 1})
		b.FlushAll(ctx)
		b.Add(ctx, 0, 1, ledger.New("acct", 2, []byte("dropped")))
		b.Close()
	})

	// The stream ends without emitting the stranded queue.
	bt, ok := <-b.Batches()
	require.Nil(t, bt)
	require.False(t, ok)
}

func TestBatcherConcurrentAddsAndClose(t *testing.T) {
	b := NewBatcher(BatcherConfig{MaxBatchSize: 1, MaxWait: time.Hour}, zap.NewNop(), nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range b.Batches() {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(nonce uint64) {
			defer wg.Done()
			b.Add(ctx, 0, 1, ledger.New("acct", nonce, []byte("x")))
		}(uint64(i))
	}
	b.Close()
	wg.Wait()
	<-done
}

func TestBatchLifecycle(t *testing.T) {
	tx := ledger.New("acct", 1, []byte("x"))
	b, err := NewBatch(0, 1, []*ledger.Transaction{tx})
	require.NoError(t, err)

	require.ErrorIs(t, b.Complete(), ErrInvalidState)
	require.NoError(t, b.Start())

	// Completion requires terminal members.
	require.ErrorIs(t, b.Complete(), ErrIncomplete)
	tx.Status = ledger.StatusConfirmed
	require.NoError(t, b.Complete())
	require.False(t, b.CompletedAt.IsZero())

	_, err = NewBatch(0, 1, nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestBuildWavesNonceChain(t *testing.T) {
	tx1 := ledger.New("sender", 1, []byte("a"))
	tx2 := ledger.New("sender", 2, []byte("b"))
	tx3 := ledger.New("sender", 3, []byte("c"))

	waves := BuildWaves([]*ledger.Transaction{tx3, tx1, tx2}, zap.NewNop())
	require.Len(t, waves, 3)
	require.Equal(t, tx1.ID, waves[0][0].ID)
	require.Equal(t, tx2.ID, waves[1][0].ID)
	require.Equal(t, tx3.ID, waves[2][0].ID)
}

func TestBuildWavesIndependentsShareFirstWave(t *testing.T) {
	a := ledger.New("alice", 1, []byte("a"))
	b := ledger.New("bob", 1, []byte("b"))
	c := ledger.New("carol", 9, []byte("c"))

	waves := BuildWaves([]*ledger.Transaction{a, b, c}, zap.NewNop())
	require.Len(t, waves, 1)
	require.Len(t, waves[0], 3)
}

func TestBuildWavesParentReference(t *testing.T) {
	parent := ledger.New("alice", 1, []byte("p"))
	child := ledger.New("bob", 1, []byte("c"), parent.ID)
	outsideDep := ledger.New("carol", 1, []byte("o"), "not-in-this-batch")

	waves := BuildWaves([]*ledger.Transaction{child, parent, outsideDep}, zap.NewNop())
	require.Len(t, waves, 2)
	// Parents outside the batch are not dependencies.
	require.Len(t, waves[0], 2)
	require.Equal(t, child.ID, waves[1][0].ID)
}

func TestBuildWavesCycleForcedIntoFinalWave(t *testing.T) {
	a := ledger.New("alice", 1, nil)
	b := ledger.New("bob", 1, nil)
	a.ParentIDs = []string{b.ID}
	b.ParentIDs = []string{a.ID}
	free := ledger.New("carol", 1, nil)

	waves := BuildWaves([]*ledger.Transaction{a, b, free}, zap.NewNop())
	require.Len(t, waves, 2)
	require.Equal(t, free.ID, waves[0][0].ID)
	require.Len(t, waves[1], 2)
}

func TestExecutorConfirmsAndCompletes(t *testing.T) {
	e := NewExecutor(ExecutorConfig{MinParallelism: 2, MaxParallelism: 4}, ledger.AcceptAll{}, nil, zap.NewNop(), nil)

	txs := []*ledger.Transaction{
		ledger.New("sender", 1, []byte("a")),
		ledger.New("sender", 2, []byte("b")),
		ledger.New("other", 1, []byte("c")),
	}
	b, err := NewBatch(0, 1, txs)
	require.NoError(t, err)

	require.NoError(t, e.ExecuteBatch(context.Background(), b))
	require.Equal(t, StateCompleted, b.State)
	for _, tx := range txs {
		require.Equal(t, ledger.StatusConfirmed, tx.Status)
	}

	stats := e.Stats()
	require.EqualValues(t, 3, stats.Processed)
	require.EqualValues(t, 3, stats.Successful)
	require.Zero(t, stats.Failed)
}

func TestExecutorMarksFailuresAndFailsBatch(t *testing.T) {
	applier := applierFunc(func(ctx context.Context, tx *ledger.Transaction) error {
		if strings.HasPrefix(tx.From, "bad") {
			return errors.New("rejected by ledger")
		}
		return nil
	})
	e := NewExecutor(ExecutorConfig{MinParallelism: 1, MaxParallelism: 2}, applier, nil, zap.NewNop(), nil)

	good := ledger.New("good", 1, []byte("a"))
	bad := ledger.New("bad", 1, []byte("b"))
	b, err := NewBatch(0, 1, []*ledger.Transaction{good, bad})
	require.NoError(t, err)

	require.NoError(t, e.ExecuteBatch(context.Background(), b))
	require.Equal(t, StateFailed, b.State)
	require.Equal(t, ledger.StatusConfirmed, good.Status)
	require.Equal(t, ledger.StatusFailed, bad.Status)

	stats := e.Stats()
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 1, stats.Successful)
}

func TestExecutorAdaptiveLimit(t *testing.T) {
	e := NewExecutor(ExecutorConfig{MinParallelism: 1, MaxParallelism: 3}, ledger.AcceptAll{}, nil, zap.NewNop(), nil)
	ctx := context.Background()

	require.Equal(t, 1, e.Parallelism())

	// High load grows one slot per sample, up to the cap.
	e.adjust(ctx, 0.95)
	e.adjust(ctx, 0.95)
	require.Equal(t, 3, e.Parallelism())
	e.adjust(ctx, 0.95)
	require.Equal(t, 3, e.Parallelism())

	// Low load retires idle tokens down to the floor.
	e.adjust(ctx, 0.1)
	e.adjust(ctx, 0.1)
	require.Equal(t, 1, e.Parallelism())
	e.adjust(ctx, 0.1)
	require.Equal(t, 1, e.Parallelism())

	// Mid-band load changes nothing.
	e.adjust(ctx, 0.5)
	require.Equal(t, 1, e.Parallelism())
}
