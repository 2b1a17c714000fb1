package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/coordinator"
	"github.com/orbitledger/orbitledger/pkg/connection"
)

func TestNetworkDeliversInOrderPerPair(t *testing.T) {
	n := NewNetwork(2, 8, zap.NewNop())
	ctx := context.Background()

	first := coordinator.NewMessage("tx-1", 0, 1, coordinator.MessageCommitRequest)
	second := coordinator.NewMessage("tx-2", 0, 1, coordinator.MessageCommitRequest)
	require.NoError(t, n.Send(ctx, first))
	require.NoError(t, n.Send(ctx, second))

	inbox := n.Inbox(1)
	require.Equal(t, first.ID, (<-inbox).ID)
	require.Equal(t, second.ID, (<-inbox).ID)

	pending, capacity := n.Depth(1)
	require.Zero(t, pending)
	require.Equal(t, 8, capacity)
}

func TestNetworkRejectsUnknownShardAndClosed(t *testing.T) {
	n := NewNetwork(2, 4, zap.NewNop())
	ctx := context.Background()

	msg := coordinator.NewMessage("tx-1", 0, 9, coordinator.MessageCommitRequest)
	require.Error(t, n.Send(ctx, msg))

	n.Close()
	msg = coordinator.NewMessage("tx-2", 0, 1, coordinator.MessageCommitRequest)
	require.Error(t, n.Send(ctx, msg))

	// Inboxes are closed, ending consumer loops.
	_, open := <-n.Inbox(1)
	require.False(t, open)
}

func TestNetworkSendRespectsContextWhenFull(t *testing.T) {
	n := NewNetwork(2, 1, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, n.Send(ctx, coordinator.NewMessage("tx-1", 0, 1, coordinator.MessageCommitRequest)))

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := n.Send(shortCtx, coordinator.NewMessage("tx-2", 0, 1, coordinator.MessageCommitRequest))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPMessengerRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan coordinator.Message, 1)
	sink := func(ctx context.Context, msg coordinator.Message) error {
		received <- msg
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewReceiver(sink, zap.NewNop()).Serve(ctx, ln)

	pools := connection.NewPoolManager(2, time.Second)
	m := NewTCPMessenger(map[uint32]string{1: ln.Addr().String()}, pools, nil, zap.NewNop())
	defer m.Close()

	sent := coordinator.NewMessage("tx-net", 0, 1, coordinator.MessagePrepareRequest).
		WithTransactionData([]byte(`{"id":"tx-inner"}`))
	require.NoError(t, m.Send(ctx, sent))

	select {
	case got := <-received:
		require.Equal(t, sent.ID, got.ID)
		require.Equal(t, sent.Type, got.Type)
		require.Equal(t, sent.TransactionID, got.TransactionID)
		require.JSONEq(t, `{"id":"tx-inner"}`, string(got.TransactionData))
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestTCPMessengerUnknownShard(t *testing.T) {
	pools := connection.NewPoolManager(2, time.Second)
	m := NewTCPMessenger(map[uint32]string{}, pools, nil, zap.NewNop())
	defer m.Close()

	err := m.Send(context.Background(), coordinator.NewMessage("tx-x", 0, 3, coordinator.MessageCommitRequest))
	require.ErrorIs(t, err, coordinator.ErrInvalidShardID)
}
