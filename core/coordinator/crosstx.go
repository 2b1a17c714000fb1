package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitledger/orbitledger/core/ledger"
	"github.com/orbitledger/orbitledger/core/shard"
)

// Status is the two-phase-commit state of a cross-shard transaction.
// Transitions only ever advance:
//
//	Initializing -> Prepared -> Committing -> Committed
//	Initializing | Prepared -> Aborting -> Aborted
type Status int

const (
	StatusInitializing Status = iota
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusAborting
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "Initializing"
	case StatusPrepared:
		return "Prepared"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusAborting:
		return "Aborting"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// CrossShardTransaction is the coordinator-side record of one cross-shard
// transaction. The prepared and committed maps are keyed by exactly the
// participant set and never gain or lose keys after creation. The record is
// mutated only by the owning coordinator's message handlers, under its
// transaction-table lock; once terminal it is immutable.
type CrossShardTransaction struct {
	ID               string
	Tx               *ledger.Transaction
	CoordinatorShard shard.ID
	Participants     []shard.ID
	Status           Status
	CreatedAt        time.Time
	CompletedAt      time.Time

	prepared  map[shard.ID]bool
	committed map[shard.ID]bool
}

// NewCrossShardTransaction creates a record in Initializing with all
// participant flags cleared. The participant set must be non-empty and
// include the coordinator shard.
func NewCrossShardTransaction(tx *ledger.Transaction, coordinator shard.ID, participants []shard.ID) (*CrossShardTransaction, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: empty participant set", ErrValidation)
	}
	prepared := make(map[shard.ID]bool, len(participants))
	committed := make(map[shard.ID]bool, len(participants))
	hasCoordinator := false
	for _, p := range participants {
		prepared[p] = false
		committed[p] = false
		if p == coordinator {
			hasCoordinator = true
		}
	}
	if !hasCoordinator {
		return nil, fmt.Errorf("%w: coordinator shard %d not in participant set", ErrValidation, coordinator)
	}
	ordered := make([]shard.ID, len(participants))
	copy(ordered, participants)
	return &CrossShardTransaction{
		ID:               uuid.NewString(),
		Tx:               tx,
		CoordinatorShard: coordinator,
		Participants:     ordered,
		Status:           StatusInitializing,
		CreatedAt:        time.Now().UTC(),
		prepared:         prepared,
		committed:        committed,
	}, nil
}

// AllPrepared reports whether every participant has prepared.
func (c *CrossShardTransaction) AllPrepared() bool {
	for _, ok := range c.prepared {
		if !ok {
			return false
		}
	}
	return true
}

// AllCommitted reports whether every participant has committed.
func (c *CrossShardTransaction) AllCommitted() bool {
	for _, ok := range c.committed {
		if !ok {
			return false
		}
	}
	return true
}

// Prepared reports one participant's prepared flag.
func (c *CrossShardTransaction) Prepared(id shard.ID) bool { return c.prepared[id] }

// Committed reports one participant's committed flag.
func (c *CrossShardTransaction) Committed(id shard.ID) bool { return c.committed[id] }

// SetPrepared records a participant's prepare vote. Once every participant
// has prepared the status advances to Prepared. Records in a terminal
// status no longer accept votes.
func (c *CrossShardTransaction) SetPrepared(id shard.ID, prepared bool) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidOperation, c.ID, c.Status)
	}
	if _, ok := c.prepared[id]; !ok {
		return fmt.Errorf("%w: shard %d is not a participant of %s", ErrInvalidShardID, id, c.ID)
	}
	c.prepared[id] = prepared
	if c.Status == StatusInitializing && c.AllPrepared() {
		c.Status = StatusPrepared
	}
	return nil
}

// SetCommitted records a participant's commit acknowledgement. Once every
// participant has committed the status advances to Committed and the
// completion time is stamped.
func (c *CrossShardTransaction) SetCommitted(id shard.ID, committed bool) error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidOperation, c.ID, c.Status)
	}
	if _, ok := c.committed[id]; !ok {
		return fmt.Errorf("%w: shard %d is not a participant of %s", ErrInvalidShardID, id, c.ID)
	}
	c.committed[id] = committed
	if c.Status == StatusCommitting && c.AllCommitted() {
		c.Status = StatusCommitted
		c.CompletedAt = time.Now().UTC()
	}
	return nil
}

// StartCommit moves a fully prepared transaction into the commit phase.
func (c *CrossShardTransaction) StartCommit() error {
	if c.Status != StatusPrepared {
		return fmt.Errorf("%w: cannot commit transaction %s in status %s", ErrInvalidOperation, c.ID, c.Status)
	}
	c.Status = StatusCommitting
	return nil
}

// StartAbort moves the transaction into the abort phase. Only Initializing
// and Prepared transactions can be aborted.
func (c *CrossShardTransaction) StartAbort() error {
	if c.Status != StatusInitializing && c.Status != StatusPrepared {
		return fmt.Errorf("%w: cannot abort transaction %s in status %s", ErrInvalidOperation, c.ID, c.Status)
	}
	c.Status = StatusAborting
	return nil
}

// MarkAborted finalizes the abort and stamps the completion time.
func (c *CrossShardTransaction) MarkAborted() {
	c.Status = StatusAborted
	c.CompletedAt = time.Now().UTC()
}

// Snapshot returns an independent copy safe to hand to callers.
func (c *CrossShardTransaction) Snapshot() *CrossShardTransaction {
	out := &CrossShardTransaction{
		ID:               c.ID,
		Tx:               c.Tx,
		CoordinatorShard: c.CoordinatorShard,
		Participants:     append([]shard.ID(nil), c.Participants...),
		Status:           c.Status,
		CreatedAt:        c.CreatedAt,
		CompletedAt:      c.CompletedAt,
		prepared:         make(map[shard.ID]bool, len(c.prepared)),
		committed:        make(map[shard.ID]bool, len(c.committed)),
	}
	for id, ok := range c.prepared {
		out.prepared[id] = ok
	}
	for id, ok := range c.committed {
		out.committed[id] = ok
	}
	return out
}
