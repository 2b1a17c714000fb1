package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/orbitledger/orbitledger/core/coordinator"
	"github.com/orbitledger/orbitledger/core/routing"
	"github.com/orbitledger/orbitledger/core/shard"
	"github.com/orbitledger/orbitledger/pkg/connection"
)

// DefaultWriteTimeout bounds a single message write.
const DefaultWriteTimeout = 5 * time.Second

// TCPMessenger sends newline-delimited JSON messages to remote shard
// coordinators over pooled TCP connections, one pool per remote address.
// Delivery is best effort; a failed write surfaces as an error and the
// connection is discarded rather than returned to the pool.
type TCPMessenger struct {
	pools        *connection.PoolManager
	addrs        map[shard.ID]string
	routes       *routing.Optimizer
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewTCPMessenger creates a messenger for the given shard address table.
// routes is optional; when present the computed relay path is logged as an
// operational hint, delivery itself always dials the destination directly.
func NewTCPMessenger(addrs map[shard.ID]string, pools *connection.PoolManager, routes *routing.Optimizer, logger *zap.Logger) *TCPMessenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPMessenger{
		pools:        pools,
		addrs:        addrs,
		routes:       routes,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
	}
}

// Send encodes the message and writes it to the destination shard's address.
func (m *TCPMessenger) Send(ctx context.Context, msg coordinator.Message) error {
	addr, ok := m.addrs[msg.ToShard]
	if !ok {
		return fmt.Errorf("%w: no address for shard %d", coordinator.ErrInvalidShardID, msg.ToShard)
	}

	if m.routes != nil {
		if path := m.routes.Path(msg.FromShard, msg.ToShard); len(path) > 2 {
			m.logger.Debug("relay path available for shard pair",
				zap.Uint32("from_shard", msg.FromShard),
				zap.Uint32("to_shard", msg.ToShard),
				zap.Uint32s("path", path))
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encoding message %s: %v", coordinator.ErrValidation, msg.ID, err)
	}
	data = append(data, '\n')

	conn, err := m.pools.Get(addr)
	if err != nil {
		return fmt.Errorf("%w: dialing shard %d at %s: %v", coordinator.ErrInternal, msg.ToShard, addr, err)
	}

	deadline := time.Now().Add(m.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err == nil {
		_, err = conn.Write(data)
	}
	if err != nil {
		conn.ForceClose()
		return fmt.Errorf("%w: writing to shard %d at %s: %v", coordinator.ErrInternal, msg.ToShard, addr, err)
	}
	return conn.Close()
}

// Close releases every pooled connection.
func (m *TCPMessenger) Close() { m.pools.Close() }

// Receiver accepts TCP connections carrying newline-delimited JSON messages
// and forwards the decoded messages to a sink, typically an in-memory
// Network feeding the local coordinator loop.
type Receiver struct {
	sink   func(context.Context, coordinator.Message) error
	logger *zap.Logger
}

// NewReceiver creates a receiver forwarding into sink.
func NewReceiver(sink func(context.Context, coordinator.Message) error, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{sink: sink, logger: logger}
}

// Serve accepts connections until the listener closes or the context ends.
// Each connection is drained on its own goroutine; decode errors end only
// that connection.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting coordinator connection: %w", err)
		}
		go r.drain(ctx, conn)
	}
}

func (r *Receiver) drain(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg coordinator.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			r.logger.Warn("malformed message on coordinator link",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			return
		}
		if err := r.sink(ctx, msg); err != nil {
			r.logger.Warn("message sink rejected delivery",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		r.logger.Debug("coordinator link closed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
	}
}
