package coordinator

import "errors"

// Error kinds returned by the public coordinator operations. Callers are
// expected to test with errors.Is; every returned error wraps exactly one of
// these sentinels with context.
var (
	// ErrValidation marks a malformed message or transaction.
	ErrValidation = errors.New("validation error")
	// ErrInvalidShardID marks a shard id outside the registry's range, or a
	// participant flag update for a shard that is not in the transaction.
	ErrInvalidShardID = errors.New("invalid shard id")
	// ErrTransactionNotFound marks a lookup for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrDuplicateTransaction marks a PrepareRequest whose transaction id is
	// already tracked.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	// ErrInvalidOperation marks a wrong-phase transition, or a single-shard
	// transaction submitted as cross-shard.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTimeout marks a single message handling that exceeded its deadline.
	// The owning transaction is not aborted.
	ErrTimeout = errors.New("timeout")
	// ErrInternal marks a message-send failure. Already-applied local state
	// is never rolled back.
	ErrInternal = errors.New("internal error")
	// ErrRateLimited marks an inbound message dropped by the per-sender
	// rate limiter.
	ErrRateLimited = errors.New("rate limited")
)
