// Package ledger defines the transaction type exchanged with the per-shard
// ledger collaborator. Execution semantics live outside this repository; the
// coordination engine only moves transactions between shards atomically.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Status is the terminal-or-not state of a regular transaction as reported
// by the owning shard's ledger.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConfirmed:
		return "Confirmed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Transaction is an externally supplied ledger transaction. It is immutable
// once created; the coordination engine never rewrites payloads or parents.
//
// From and Nonce identify the sender-side ordering stream and feed the batch
// scheduler's write-conflict heuristic. ParentIDs are explicit dependencies
// on earlier transactions, possibly on other shards.
type Transaction struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	Nonce     uint64    `json:"nonce"`
	Payload   []byte    `json:"payload,omitempty"`
	ParentIDs []string  `json:"parent_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// New creates a transaction with a fresh id and the current timestamp.
func New(from string, nonce uint64, payload []byte, parentIDs ...string) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		From:      from,
		Nonce:     nonce,
		Payload:   payload,
		ParentIDs: parentIDs,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
	}
}
