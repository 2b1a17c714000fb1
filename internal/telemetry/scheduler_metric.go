package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SchedulerMetrics holds all the metric instruments for the batch scheduler.
type SchedulerMetrics struct {
	BatchesCreatedCounter        metric.Int64Counter
	TransactionsScheduledCounter metric.Int64Counter
	TransactionsFailedCounter    metric.Int64Counter
	BatchDurationHistogram       metric.Int64Histogram
	ConcurrencyLimitGauge        metric.Int64UpDownCounter
}

// NewSchedulerMetrics creates and registers all the metrics for the batch
// scheduler.
func NewSchedulerMetrics(meter metric.Meter) (*SchedulerMetrics, error) {
	batchesCreatedCounter, err := meter.Int64Counter(
		"orbitledger.scheduler.batches_created_total",
		metric.WithDescription("Total number of transaction batches flushed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	transactionsScheduledCounter, err := meter.Int64Counter(
		"orbitledger.scheduler.transactions_scheduled_total",
		metric.WithDescription("Total number of transactions scheduled for execution."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	transactionsFailedCounter, err := meter.Int64Counter(
		"orbitledger.scheduler.transactions_failed_total",
		metric.WithDescription("Total number of transactions that failed execution."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	batchDurationHistogram, err := meter.Int64Histogram(
		"orbitledger.scheduler.batch_duration",
		metric.WithDescription("The execution latency of transaction batches."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	concurrencyLimitGauge, err := meter.Int64UpDownCounter(
		"orbitledger.scheduler.concurrency_limit",
		metric.WithDescription("Current adaptive concurrency limit."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		BatchesCreatedCounter:        batchesCreatedCounter,
		TransactionsScheduledCounter: transactionsScheduledCounter,
		TransactionsFailedCounter:    transactionsFailedCounter,
		BatchDurationHistogram:       batchDurationHistogram,
		ConcurrencyLimitGauge:        concurrencyLimitGauge,
	}, nil
}

// BatchFlushed records one flushed batch and its size.
func (m *SchedulerMetrics) BatchFlushed(ctx context.Context, fromShard, toShard uint32, size int) {
	m.BatchesCreatedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("from_shard", int64(fromShard)),
		attribute.Int64("to_shard", int64(toShard)),
	))
	m.TransactionsScheduledCounter.Add(ctx, int64(size))
}

// BatchExecuted records a completed batch execution.
func (m *SchedulerMetrics) BatchExecuted(ctx context.Context, took time.Duration, failed int) {
	m.BatchDurationHistogram.Record(ctx, took.Milliseconds())
	if failed > 0 {
		m.TransactionsFailedCounter.Add(ctx, int64(failed))
	}
}

// ConcurrencyAdjusted records a change to the adaptive concurrency limit.
func (m *SchedulerMetrics) ConcurrencyAdjusted(ctx context.Context, delta int64) {
	m.ConcurrencyLimitGauge.Add(ctx, delta)
}
