package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/orbitledger/orbitledger/internal/telemetry"

	"github.com/orbitledger/orbitledger/core/ledger"
	"github.com/orbitledger/orbitledger/core/shard"
)

// Pair identifies a source/destination shard queue.
type Pair struct {
	From shard.ID
	To   shard.ID
}

// BatcherConfig tunes the per-pair batching layer.
type BatcherConfig struct {
	// MaxBatchSize flushes a pair's queue as soon as it holds this many
	// transactions. Zero selects 100.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxWait flushes a non-empty pair queue this long after its previous
	// flush even if under size. Zero selects 500ms.
	MaxWait time.Duration `yaml:"max_wait"`
	// OutputBuffer sizes the emitted-batch channel. Zero selects 64.
	OutputBuffer int `yaml:"output_buffer"`
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = 64
	}
	return c
}

// Batcher maintains one FIFO queue per shard pair and emits batches when a
// queue reaches MaxBatchSize, when MaxWait elapses since the pair's last
// flush, or on explicit Flush. For N queued same-pair transactions with
// MaxBatchSize B it emits exactly ceil(N/B) batches.
type Batcher struct {
	cfg     BatcherConfig
	logger  *zap.Logger
	metrics *internaltelemetry.SchedulerMetrics

	out chan *Batch

	// emitters tracks in-flight emits so Close can wait for them before
	// closing out. An emit is registered under mu while closed is still
	// false, so no send can race the close.
	emitters sync.WaitGroup

	mu        sync.Mutex
	queues    map[Pair][]*ledger.Transaction
	lastFlush map[Pair]time.Time
	closed    bool
}

// NewBatcher creates a batcher. metrics may be nil.
func NewBatcher(cfg BatcherConfig, logger *zap.Logger, metrics *internaltelemetry.SchedulerMetrics) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Batcher{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		out:       make(chan *Batch, cfg.OutputBuffer),
		queues:    make(map[Pair][]*ledger.Transaction),
		lastFlush: make(map[Pair]time.Time),
	}
}

// Batches is the stream of emitted batches, closed by Close.
func (b *Batcher) Batches() <-chan *Batch { return b.out }

// Add enqueues a transaction for a shard pair, flushing the queue when it
// reaches MaxBatchSize.
func (b *Batcher) Add(ctx context.Context, from, to shard.ID, tx *ledger.Transaction) {
	pair := Pair{From: from, To: to}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queues[pair] = append(b.queues[pair], tx)
	var batches []*Batch
	if len(b.queues[pair]) >= b.cfg.MaxBatchSize {
		batches = b.drainLocked(pair)
	}
	if len(batches) > 0 {
		b.emitters.Add(1)
	}
	b.mu.Unlock()

	b.emit(ctx, batches)
}

// Flush emits whatever is queued for a pair, in ceil(N/B) batches. It is a
// no-op once the batcher is closed.
func (b *Batcher) Flush(ctx context.Context, pair Pair) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batches := b.drainLocked(pair)
	if len(batches) > 0 {
		b.emitters.Add(1)
	}
	b.mu.Unlock()
	b.emit(ctx, batches)
}

// FlushAll emits every non-empty queue. It is a no-op once the batcher is
// closed.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var batches []*Batch
	for pair := range b.queues {
		batches = append(batches, b.drainLocked(pair)...)
	}
	if len(batches) > 0 {
		b.emitters.Add(1)
	}
	b.mu.Unlock()
	b.emit(ctx, batches)
}

// Run flushes aged pair queues every interval until the context is done,
// then flushes the remainder and closes the batch stream.
func (b *Batcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = b.cfg.MaxWait / 2
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.Background())
			b.Close()
			return
		case <-ticker.C:
			b.flushAged(ctx)
		}
	}
}

// Close stops the batch stream. It waits for in-flight emits before
// closing the channel; further Adds and Flushes are dropped.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.emitters.Wait()
	close(b.out)
}

func (b *Batcher) flushAged(ctx context.Context) {
	now := time.Now()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var batches []*Batch
	for pair, queue := range b.queues {
		if len(queue) == 0 {
			continue
		}
		last, ok := b.lastFlush[pair]
		if !ok || now.Sub(last) >= b.cfg.MaxWait {
			batches = append(batches, b.drainLocked(pair)...)
		}
	}
	if len(batches) > 0 {
		b.emitters.Add(1)
	}
	b.mu.Unlock()
	b.emit(ctx, batches)
}

// drainLocked cuts a pair's queue into MaxBatchSize chunks. Callers hold
// b.mu.
func (b *Batcher) drainLocked(pair Pair) []*Batch {
	queue := b.queues[pair]
	if len(queue) == 0 {
		return nil
	}
	delete(b.queues, pair)
	b.lastFlush[pair] = time.Now()

	var batches []*Batch
	for len(queue) > 0 {
		n := b.cfg.MaxBatchSize
		if n > len(queue) {
			n = len(queue)
		}
		chunk := queue[:n]
		queue = queue[n:]
		bt, err := NewBatch(pair.From, pair.To, chunk)
		if err != nil {
			continue
		}
		batches = append(batches, bt)
	}
	return batches
}

// emit publishes drained batches. The caller registered the emit with
// b.emitters under b.mu before releasing the lock, so Close cannot close
// the channel underneath an in-flight send.
func (b *Batcher) emit(ctx context.Context, batches []*Batch) {
	if len(batches) == 0 {
		return
	}
	defer b.emitters.Done()
	for _, bt := range batches {
		if b.metrics != nil {
			b.metrics.BatchFlushed(ctx, bt.SourceShard, bt.DestinationShard, bt.Size())
		}
		b.logger.Debug("batch flushed",
			zap.String("batch_id", bt.ID),
			zap.Uint32("from_shard", bt.SourceShard),
			zap.Uint32("to_shard", bt.DestinationShard),
			zap.Int("size", bt.Size()))
		select {
		case b.out <- bt:
		case <-ctx.Done():
			return
		}
	}
}
