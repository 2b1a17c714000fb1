// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. The coordinator messenger keeps one pool per peer shard
// host so protocol messages reuse warm connections instead of dialing per
// send.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with a reference to its owning pool. Close
// returns the connection for reuse; ForceClose discards it.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool without closing the underlying
// TCP connection.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection permanently. Use it after
// a write error, when the connection state is unknown.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// hostPool holds the idle connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	dial     func() (net.Conn, error)
	maxSize  int
	numConns int
}

// PoolManager manages one hostPool per remote shard address.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager creates a manager. maxSize caps the open connections per
// remote host; timeout bounds dialing a new connection.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	if maxSize <= 0 {
		maxSize = 4
	}
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection to the given address, creating the host pool
// on first use.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				maxSize: m.maxSize,
				dial: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, m.timeout)
				},
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.numConns < p.maxSize {
		conn, err := p.dial()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.numConns++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a connection to come back.
	return <-p.conns, nil
}

func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		// Idle set is full.
		conn.Close()
		p.discard()
	}
}

func (p *hostPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close closes every pooled connection and resets the manager.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
