package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds all the metric instruments for the cross-shard
// transaction coordinator.
type CoordinatorMetrics struct {
	TransactionsStartedCounter   metric.Int64Counter
	TransactionsCommittedCounter metric.Int64Counter
	TransactionsAbortedCounter   metric.Int64Counter
	MessagesProcessedCounter     metric.Int64Counter
	MessageLatencyHistogram      metric.Int64Histogram
	ActiveTransactionsUpDown     metric.Int64UpDownCounter
}

// NewCoordinatorMetrics creates and registers all the metrics for one
// coordinator instance.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	transactionsStartedCounter, err := meter.Int64Counter(
		"orbitledger.coordinator.transactions_started_total",
		metric.WithDescription("Total number of cross-shard transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	transactionsCommittedCounter, err := meter.Int64Counter(
		"orbitledger.coordinator.transactions_committed_total",
		metric.WithDescription("Total number of cross-shard transactions committed on all participants."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	transactionsAbortedCounter, err := meter.Int64Counter(
		"orbitledger.coordinator.transactions_aborted_total",
		metric.WithDescription("Total number of cross-shard transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	messagesProcessedCounter, err := meter.Int64Counter(
		"orbitledger.coordinator.messages_processed_total",
		metric.WithDescription("Total number of protocol messages processed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	messageLatencyHistogram, err := meter.Int64Histogram(
		"orbitledger.coordinator.message_duration",
		metric.WithDescription("The handling latency of protocol messages."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTransactionsUpDown, err := meter.Int64UpDownCounter(
		"orbitledger.coordinator.active_transactions",
		metric.WithDescription("Number of cross-shard transactions not yet terminal."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		TransactionsStartedCounter:   transactionsStartedCounter,
		TransactionsCommittedCounter: transactionsCommittedCounter,
		TransactionsAbortedCounter:   transactionsAbortedCounter,
		MessagesProcessedCounter:     messagesProcessedCounter,
		MessageLatencyHistogram:      messageLatencyHistogram,
		ActiveTransactionsUpDown:     activeTransactionsUpDown,
	}, nil
}

// TransactionStarted records a new in-flight transaction.
func (m *CoordinatorMetrics) TransactionStarted(ctx context.Context) {
	m.TransactionsStartedCounter.Add(ctx, 1)
	m.ActiveTransactionsUpDown.Add(ctx, 1)
}

// TransactionCommitted records a transaction reaching Committed everywhere.
func (m *CoordinatorMetrics) TransactionCommitted(ctx context.Context) {
	m.TransactionsCommittedCounter.Add(ctx, 1)
	m.ActiveTransactionsUpDown.Add(ctx, -1)
}

// TransactionAborted records a transaction reaching Aborted.
func (m *CoordinatorMetrics) TransactionAborted(ctx context.Context) {
	m.TransactionsAbortedCounter.Add(ctx, 1)
	m.ActiveTransactionsUpDown.Add(ctx, -1)
}

// MessageProcessed records one handled protocol message and its latency.
func (m *CoordinatorMetrics) MessageProcessed(ctx context.Context, msgType string, ok bool, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("message_type", msgType),
		attribute.Bool("success", ok),
	)
	m.MessagesProcessedCounter.Add(ctx, 1, attrs)
	m.MessageLatencyHistogram.Record(ctx, took.Milliseconds(), attrs)
}
