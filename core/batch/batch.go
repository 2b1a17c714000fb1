// Package batch groups queued transactions into per-shard-pair batches and
// schedules their execution in dependency-respecting parallel waves under an
// adaptive concurrency limit.
package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitledger/orbitledger/core/ledger"
	"github.com/orbitledger/orbitledger/core/shard"
)

var (
	// ErrEmptyBatch rejects batch creation with no member transactions.
	ErrEmptyBatch = errors.New("batch: empty batch")
	// ErrInvalidState rejects a state transition the lifecycle does not allow.
	ErrInvalidState = errors.New("batch: invalid state transition")
	// ErrIncomplete rejects completion while a member is still pending.
	ErrIncomplete = errors.New("batch: member transaction not terminal")
)

// State is the lifecycle state of a batch.
type State int

const (
	StateCreated State = iota
	StateProcessing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateProcessing:
		return "Processing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Batch is a group of transactions queued for the same shard pair. A batch
// is non-empty from creation and completes only once every member reached a
// terminal status.
type Batch struct {
	ID               string
	Transactions     []*ledger.Transaction
	CrossShardIDs    []string
	SourceShard      shard.ID
	DestinationShard shard.ID
	State            State
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      time.Time
}

// NewBatch creates a batch in StateCreated.
func NewBatch(from, to shard.ID, txs []*ledger.Transaction) (*Batch, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBatch
	}
	now := time.Now().UTC()
	return &Batch{
		ID:               uuid.NewString(),
		Transactions:     txs,
		SourceShard:      from,
		DestinationShard: to,
		State:            StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Size returns the number of member transactions.
func (b *Batch) Size() int { return len(b.Transactions) }

// Start moves the batch into processing.
func (b *Batch) Start() error {
	if b.State != StateCreated {
		return fmt.Errorf("%w: cannot start batch %s in state %s", ErrInvalidState, b.ID, b.State)
	}
	b.State = StateProcessing
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete finishes the batch. Every member must already be terminal.
func (b *Batch) Complete() error {
	if b.State != StateProcessing {
		return fmt.Errorf("%w: cannot complete batch %s in state %s", ErrInvalidState, b.ID, b.State)
	}
	for _, tx := range b.Transactions {
		if !tx.Status.Terminal() {
			return fmt.Errorf("%w: transaction %s is %s", ErrIncomplete, tx.ID, tx.Status)
		}
	}
	b.State = StateCompleted
	now := time.Now().UTC()
	b.UpdatedAt = now
	b.CompletedAt = now
	return nil
}

// Fail marks the batch failed. Members keep their individual statuses.
func (b *Batch) Fail() error {
	if b.State != StateProcessing {
		return fmt.Errorf("%w: cannot fail batch %s in state %s", ErrInvalidState, b.ID, b.State)
	}
	b.State = StateFailed
	now := time.Now().UTC()
	b.UpdatedAt = now
	b.CompletedAt = now
	return nil
}

// Cancel withdraws a batch that has not started processing.
func (b *Batch) Cancel() error {
	if b.State != StateCreated {
		return fmt.Errorf("%w: cannot cancel batch %s in state %s", ErrInvalidState, b.ID, b.State)
	}
	b.State = StateCancelled
	now := time.Now().UTC()
	b.UpdatedAt = now
	b.CompletedAt = now
	return nil
}
