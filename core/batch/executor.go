package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	internaltelemetry "github.com/orbitledger/orbitledger/internal/telemetry"

	"github.com/orbitledger/orbitledger/core/ledger"
)

// LoadFunc samples the current load of the local shard as a 0..1 fraction.
// The adaptive concurrency loop treats the reading as advisory.
type LoadFunc func() float64

// ExecutorConfig tunes wave execution and the adaptive concurrency loop.
type ExecutorConfig struct {
	// MinParallelism is the floor the limit never shrinks below. Zero
	// selects 1.
	MinParallelism int `yaml:"min_parallelism"`
	// MaxParallelism caps the token pool. Zero selects 2x the CPU count.
	MaxParallelism int `yaml:"max_parallelism"`
	// HighLoadThreshold grows the limit when load exceeds it. Zero selects
	// 0.8.
	HighLoadThreshold float64 `yaml:"high_load_threshold"`
	// LowLoadThreshold shrinks the limit when load falls below it. Zero
	// selects 0.3.
	LowLoadThreshold float64 `yaml:"low_load_threshold"`
	// AdjustInterval is the load sampling period. Zero selects 3s.
	AdjustInterval time.Duration `yaml:"adjust_interval"`
	// LatencySmoothing is the weight of a new sample in the rolling average
	// latency. Zero selects 0.2.
	LatencySmoothing float64 `yaml:"latency_smoothing"`
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MinParallelism <= 0 {
		c.MinParallelism = 1
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 2 * runtime.NumCPU()
	}
	if c.MaxParallelism < c.MinParallelism {
		c.MaxParallelism = c.MinParallelism
	}
	if c.HighLoadThreshold <= 0 {
		c.HighLoadThreshold = 0.8
	}
	if c.LowLoadThreshold <= 0 {
		c.LowLoadThreshold = 0.3
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 3 * time.Second
	}
	if c.LatencySmoothing <= 0 {
		c.LatencySmoothing = 0.2
	}
	return c
}

// Stats is a point-in-time copy of the executor's counters.
type Stats struct {
	Processed   uint64
	Successful  uint64
	Failed      uint64
	AvgLatency  time.Duration
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Parallelism int
	// Throughput is transactions per second over the last completed
	// one-second sampling window.
	Throughput float64
}

// Executor runs batches wave by wave: waves execute sequentially,
// transactions within a wave in parallel, each holding one token from a
// bounded pool. The pool size follows load: it grows toward MaxParallelism
// under high load and shrinks toward MinParallelism under low load. A
// shrink only retires idle tokens; transactions already holding one run to
// completion.
type Executor struct {
	cfg     ExecutorConfig
	applier ledger.Applier
	load    LoadFunc
	logger  *zap.Logger
	metrics *internaltelemetry.SchedulerMetrics

	tokens chan struct{}

	mu    sync.Mutex
	limit int

	statsMu     sync.Mutex
	processed   uint64
	successful  uint64
	failed      uint64
	avgMs       float64
	minLatency  time.Duration
	maxLatency  time.Duration
	windowStart time.Time
	windowCount uint64
	throughput  float64
}

// NewExecutor creates an executor. load and metrics may be nil; a nil load
// pins the limit at MinParallelism.
func NewExecutor(cfg ExecutorConfig, applier ledger.Applier, load LoadFunc, logger *zap.Logger, metrics *internaltelemetry.SchedulerMetrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:         cfg,
		applier:     applier,
		load:        load,
		logger:      logger,
		metrics:     metrics,
		tokens:      make(chan struct{}, cfg.MaxParallelism),
		limit:       cfg.MinParallelism,
		windowStart: time.Now(),
	}
	for i := 0; i < e.limit; i++ {
		e.tokens <- struct{}{}
	}
	return e
}

// ExecuteBatch runs every member of a batch through the applier, waves in
// order, marking each transaction Confirmed or Failed. The batch ends
// Completed, or Failed when any member failed.
func (e *Executor) ExecuteBatch(ctx context.Context, b *Batch) error {
	if err := b.Start(); err != nil {
		return err
	}
	start := time.Now()

	waves := BuildWaves(b.Transactions, e.logger)
	var failed int
	for _, wave := range waves {
		n, err := e.runWave(ctx, wave)
		failed += n
		if err != nil {
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.BatchExecuted(ctx, time.Since(start), failed)
	}

	if failed > 0 {
		e.logger.Warn("batch finished with failures",
			zap.String("batch_id", b.ID),
			zap.Int("failed", failed),
			zap.Int("size", b.Size()))
		return b.Fail()
	}
	e.logger.Debug("batch completed",
		zap.String("batch_id", b.ID),
		zap.Int("waves", len(waves)),
		zap.Duration("took", time.Since(start)))
	return b.Complete()
}

// runWave executes one wave in parallel under the token pool and returns
// the number of failed transactions.
func (e *Executor) runWave(ctx context.Context, wave []*ledger.Transaction) (int, error) {
	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed int
	)
	for _, tx := range wave {
		select {
		case <-ctx.Done():
			wg.Wait()
			return failed, fmt.Errorf("wave execution interrupted: %w", ctx.Err())
		case <-e.tokens:
		}
		wg.Add(1)
		go func(tx *ledger.Transaction) {
			defer wg.Done()
			defer func() { e.tokens <- struct{}{} }()

			start := time.Now()
			err := e.applier.Apply(ctx, tx)
			took := time.Since(start)
			if err != nil {
				tx.Status = ledger.StatusFailed
				failMu.Lock()
				failed++
				failMu.Unlock()
				e.logger.Warn("transaction failed",
					zap.String("transaction_id", tx.ID),
					zap.Error(err))
			} else {
				tx.Status = ledger.StatusConfirmed
			}
			e.record(err == nil, took)
		}(tx)
	}
	wg.Wait()
	return failed, nil
}

// Run is the adaptive concurrency loop. It samples load every
// AdjustInterval and nudges the token pool one slot at a time.
func (e *Executor) Run(ctx context.Context) {
	if e.load == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.adjust(ctx, e.load())
		}
	}
}

// adjust applies one feedback step for a load sample.
func (e *Executor) adjust(ctx context.Context, load float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case load > e.cfg.HighLoadThreshold && e.limit < e.cfg.MaxParallelism:
		e.limit++
		e.tokens <- struct{}{}
		if e.metrics != nil {
			e.metrics.ConcurrencyAdjusted(ctx, 1)
		}
		e.logger.Debug("parallelism raised",
			zap.Float64("load", load),
			zap.Int("limit", e.limit))
	case load < e.cfg.LowLoadThreshold && e.limit > e.cfg.MinParallelism:
		// Retire an idle token if one is available; busy tokens are not
		// revoked.
		select {
		case <-e.tokens:
			e.limit--
			if e.metrics != nil {
				e.metrics.ConcurrencyAdjusted(ctx, -1)
			}
			e.logger.Debug("parallelism lowered",
				zap.Float64("load", load),
				zap.Int("limit", e.limit))
		default:
		}
	}
}

// Parallelism returns the current concurrency limit.
func (e *Executor) Parallelism() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}

func (e *Executor) record(ok bool, took time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.processed++
	if ok {
		e.successful++
	} else {
		e.failed++
	}

	ms := float64(took) / float64(time.Millisecond)
	if e.processed == 1 {
		e.avgMs = ms
		e.minLatency = took
		e.maxLatency = took
	} else {
		e.avgMs = e.cfg.LatencySmoothing*ms + (1-e.cfg.LatencySmoothing)*e.avgMs
		if took < e.minLatency {
			e.minLatency = took
		}
		if took > e.maxLatency {
			e.maxLatency = took
		}
	}

	e.windowCount++
	if elapsed := time.Since(e.windowStart); elapsed >= time.Second {
		e.throughput = float64(e.windowCount) / elapsed.Seconds()
		e.windowCount = 0
		e.windowStart = time.Now()
	}
}

// Stats returns a copy of the execution counters.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		Processed:   e.processed,
		Successful:  e.successful,
		Failed:      e.failed,
		AvgLatency:  time.Duration(e.avgMs * float64(time.Millisecond)),
		MinLatency:  e.minLatency,
		MaxLatency:  e.maxLatency,
		Parallelism: e.Parallelism(),
		Throughput:  e.throughput,
	}
}
