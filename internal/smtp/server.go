// Package smtp implements the dropbox SMTP listener: it accepts mail from
// any client, never relays, and hands finished messages to an injected
// received-data handler.
package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mailbarrel/mailbarrel/internal/events"
)

// State is the listener lifecycle state.
type State int

const (
	// StateStopped means no listening socket is bound.
	StateStopped State = iota
	// StateStarting means a bind is in progress.
	StateStarting
	// StateActive means the listener is bound and accepting.
	StateActive
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// SessionFactory builds a protocol session for an accepted socket.
type SessionFactory func(conn net.Conn) *Session

// Server owns the TCP listening socket, accepts connections and registers
// them with the ConnectionManager. Listen is safe to call repeatedly to
// rebind after a settings change.
type Server struct {
	factory SessionFactory
	bus     *events.Bus
	logger  *slog.Logger

	// bindMu serializes whole rebind cycles so two concurrent Listen
	// calls cannot interleave between the stop and the new bind.
	bindMu sync.Mutex

	mu       sync.Mutex
	state    State
	listener net.Listener
	manager  *ConnectionManager
	endpoint EndpointDefinition
}

// NewServer creates a stopped server.
func NewServer(factory SessionFactory, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		factory: factory,
		bus:     bus,
		logger:  logger,
		state:   StateStopped,
	}
}

// Listen idempotently stops any existing bind, binds the endpoint and
// begins accepting. A bind failure leaves the server stopped and is
// returned to the caller; retry policy belongs to the caller.
func (s *Server) Listen(endpoint EndpointDefinition) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.Stop()

	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()

	listener, err := net.Listen("tcp", endpoint.Addr())
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		if s.bus != nil {
			s.bus.Publish(events.TypeServerBindFailed, endpoint.String())
		}
		return fmt.Errorf("failed to bind %s: %w", endpoint, err)
	}

	if tlsConfig := endpoint.TLSConfig(); tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	manager := NewConnectionManager(s.logger)

	s.mu.Lock()
	s.listener = listener
	s.manager = manager
	s.endpoint = endpoint
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Info("listener bound", slog.String("endpoint", endpoint.String()))
	if s.bus != nil {
		s.bus.Publish(events.TypeServerReady, endpoint.String())
	}

	go s.acceptLoop(listener, manager)

	return nil
}

// Stop marks the server inactive, closes the listening socket and closes
// all live connections. Calling Stop when already stopped is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	listener := s.listener
	manager := s.manager
	s.listener = nil
	s.manager = nil
	s.state = StateStopped
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if manager != nil {
		manager.CloseAll()
		manager.Wait()
	}

	s.logger.Info("listener stopped")
}

// IsActive reports whether the server is bound and accepting.
func (s *Server) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint of the current or last bind.
func (s *Server) Endpoint() EndpointDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// ConnectionCount returns the number of live connections, zero when stopped.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	manager := s.manager
	s.mu.Unlock()

	if manager == nil {
		return 0
	}
	return manager.Count()
}

// acceptLoop accepts sockets for one bound listener generation. A rebind
// closes the listener, which ends this loop; the fresh bind runs its own.
func (s *Server) acceptLoop(listener net.Listener, manager *ConnectionManager) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Intentional close during Stop or rebind.
				return
			}
			if !s.isCurrent(listener) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("transient accept error", slog.String("error", err.Error()))
				continue
			}

			// The listener has become unusable.
			s.logger.Error("accept failed, stopping listener", slog.String("error", err.Error()))
			s.Stop()
			return
		}

		if !s.isCurrent(listener) {
			// Raced with Stop; abandon the socket.
			conn.Close()
			return
		}

		session := s.factory(conn)
		manager.CreateConnection(conn, session)
	}
}

// isCurrent reports whether the given listener is still the active one.
func (s *Server) isCurrent(listener net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.listener == listener
}

// HealthStatus is a point-in-time server snapshot for the shell/operator.
type HealthStatus struct {
	Status      string `json:"status"`
	Active      bool   `json:"active"`
	Endpoint    string `json:"endpoint"`
	Connections int    `json:"connections"`
}

// HealthCheck returns the current health snapshot.
func (s *Server) HealthCheck() HealthStatus {
	active := s.IsActive()
	status := "unhealthy"
	if active {
		status = "healthy"
	}
	return HealthStatus{
		Status:      status,
		Active:      active,
		Endpoint:    s.Endpoint().String(),
		Connections: s.ConnectionCount(),
	}
}
