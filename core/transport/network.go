// Package transport carries protocol messages between shard coordinators.
// It offers an in-memory channel network for single-process deployments and
// tests, and a TCP messenger for coordinators running on separate hosts.
// Delivery between a given shard pair is FIFO; no ordering holds across
// pairs.
package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/coordinator"
	"github.com/orbitledger/orbitledger/core/shard"
)

// DefaultInboxBuffer bounds each shard's in-memory inbox.
const DefaultInboxBuffer = 256

// Network is an in-memory transport: one bounded FIFO inbox per shard. Send
// blocks while the destination inbox is full, which back-pressures fast
// senders instead of dropping messages.
type Network struct {
	logger *zap.Logger

	mu      sync.RWMutex
	inboxes map[shard.ID]chan coordinator.Message
	closed  bool
}

// NewNetwork creates inboxes for shards 0..shardCount-1. buffer <= 0 selects
// DefaultInboxBuffer.
func NewNetwork(shardCount uint32, buffer int, logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultInboxBuffer
	}
	inboxes := make(map[shard.ID]chan coordinator.Message, shardCount)
	for i := uint32(0); i < shardCount; i++ {
		inboxes[i] = make(chan coordinator.Message, buffer)
	}
	return &Network{logger: logger, inboxes: inboxes}
}

// Inbox returns the message stream a shard's coordinator loop consumes. The
// channel closes when the network closes.
func (n *Network) Inbox(id shard.ID) <-chan coordinator.Message {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.inboxes[id]
}

// Send enqueues a message on the destination shard's inbox.
func (n *Network) Send(ctx context.Context, msg coordinator.Message) error {
	// The read lock is held across the send so Close cannot close the inbox
	// mid-enqueue. A blocked Send unblocks through its context.
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return fmt.Errorf("network closed: dropping %s message %s", msg.Type, msg.ID)
	}
	inbox, ok := n.inboxes[msg.ToShard]
	if !ok {
		return fmt.Errorf("no inbox for shard %d", msg.ToShard)
	}
	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue for shard %d: %w", msg.ToShard, ctx.Err())
	}
}

// Depth reports a shard inbox's pending message count and capacity. The
// ratio serves as a cheap load signal for the adaptive concurrency loop.
func (n *Network) Depth(id shard.ID) (pending, capacity int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	inbox, ok := n.inboxes[id]
	if !ok {
		return 0, 0
	}
	return len(inbox), cap(inbox)
}

// Close closes every inbox, ending the coordinator loops reading them. Send
// after Close returns an error rather than panicking on a closed channel.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, inbox := range n.inboxes {
		close(inbox)
	}
}
