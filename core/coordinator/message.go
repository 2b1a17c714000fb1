package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/orbitledger/orbitledger/core/shard"
)

// MessageType discriminates the cross-shard protocol messages. The dispatch
// switch is exhaustive: an unknown type is a validation error, and adding a
// variant forces every switch to be revisited.
type MessageType string

const (
	MessagePrepareRequest  MessageType = "PrepareRequest"
	MessagePrepareResponse MessageType = "PrepareResponse"
	MessageCommitRequest   MessageType = "CommitRequest"
	MessageCommitResponse  MessageType = "CommitResponse"
	MessageAbortRequest    MessageType = "AbortRequest"
	MessageAbortResponse   MessageType = "AbortResponse"
)

// Message is one cross-shard protocol exchange. TransactionData carries the
// serialized original transaction and is required only on PrepareRequest;
// Success is meaningful only on the three response types.
type Message struct {
	ID              string      `json:"id"`
	TransactionID   string      `json:"transaction_id"`
	FromShard       shard.ID    `json:"from_shard"`
	ToShard         shard.ID    `json:"to_shard"`
	Type            MessageType `json:"message_type"`
	Success         bool        `json:"success,omitempty"`
	TransactionData []byte      `json:"transaction_data,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewMessage creates a protocol message with a fresh id.
func NewMessage(txID string, from, to shard.ID, typ MessageType) Message {
	return Message{
		ID:            uuid.NewString(),
		TransactionID: txID,
		FromShard:     from,
		ToShard:       to,
		Type:          typ,
		CreatedAt:     time.Now().UTC(),
	}
}

// WithSuccess sets the response outcome flag.
func (m Message) WithSuccess(ok bool) Message {
	m.Success = ok
	return m
}

// WithTransactionData attaches the serialized transaction payload.
func (m Message) WithTransactionData(data []byte) Message {
	m.TransactionData = data
	return m
}
