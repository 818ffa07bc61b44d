package smtp

import (
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/mailbarrel/mailbarrel/internal/metrics"
)

// Connection pairs one accepted socket with its protocol session. It is
// owned by the ConnectionManager for its whole lifetime.
type Connection struct {
	id      uuid.UUID
	conn    net.Conn
	session *Session

	closeOnce sync.Once
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// close shuts the socket exactly once; safe under races between the
// connection's own read loop ending and CloseAll.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ConnectionManager tracks the live connections of one listener instance.
// Registry membership is only ever mutated under the lock; each connection
// removes itself exactly once.
type ConnectionManager struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*Connection
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		conns:  make(map[uuid.UUID]*Connection),
		logger: logger,
	}
}

// CreateConnection registers a new connection and starts its read loop on
// its own goroutine, so no connection's I/O blocks any other's.
func (m *ConnectionManager) CreateConnection(conn net.Conn, session *Session) *Connection {
	c := &Connection{
		id:      uuid.New(),
		conn:    conn,
		session: session,
	}

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	metrics.SMTPConnectionsTotal.Inc()
	metrics.SMTPConnectionsActive.Inc()

	m.logger.Debug("connection opened",
		slog.String("connection_id", c.id.String()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.session.Run()
		c.close()
		m.remove(c)
	}()

	return c
}

// CloseAll closes every tracked connection's socket and clears the registry.
// Connections whose read loops are exiting concurrently tolerate the double
// close via the connection's own once-guard.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Wait blocks until every connection's read loop has returned.
func (m *ConnectionManager) Wait() {
	m.wg.Wait()
}

// Count returns the number of tracked connections.
func (m *ConnectionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// remove deletes a connection from the registry exactly once.
func (m *ConnectionManager) remove(c *Connection) {
	m.mu.Lock()
	_, present := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()

	if present {
		metrics.SMTPConnectionsActive.Dec()
		m.logger.Debug("connection closed",
			slog.String("connection_id", c.id.String()),
		)
	}
}
