package network

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/protocol"
)

var (
	ErrServerClosed = errors.New("relay server closed")
)

// ServerConfig holds per-session settings
type ServerConfig struct {
	MaxPayloadSize uint64        // largest accepted message text
	IdleTimeout    time.Duration // 0 disables
}

// RelayServer accepts client connections and runs one session per
// connection against a Broker.
type RelayServer struct {
	broker *Broker
	config ServerConfig
	logger *zap.Logger

	listener net.Listener
	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	startTime      time.Time
	sessionsServed atomic.Uint64
}

// NewRelayServer creates a relay server routing through broker
func NewRelayServer(broker *Broker, config ServerConfig) *RelayServer {
	if config.MaxPayloadSize == 0 {
		config.MaxPayloadSize = protocol.DefaultMaxPayloadSize
	}

	return &RelayServer{
		broker:    broker,
		config:    config,
		logger:    broker.Logger(),
		sessions:  make(map[*session]struct{}),
		startTime: time.Now(),
	}
}

// Start listens on addr (host:port or multiaddr) and accepts connections
// in the background
func (rs *RelayServer) Start(addr string) error {
	listener, err := Listen(addr)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	rs.listener = listener
	rs.mu.Unlock()

	rs.logger.Info("relay server listening", zap.String("addr", listener.Addr().String()))

	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		rs.acceptLoop(listener)
	}()

	return nil
}

// Addr returns the listening address, or nil before Start
func (rs *RelayServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.listener == nil {
		return nil
	}
	return rs.listener.Addr()
}

func (rs *RelayServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !rs.isClosed() {
				rs.logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			rs.ServeConn(conn)
		}()
	}
}

// ServeConn runs a session on conn until the stream ends or fails.
// conn is closed on return.
func (rs *RelayServer) ServeConn(conn Conn) {
	s := newSession(rs, conn)

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		conn.Close()
		return
	}
	rs.sessions[s] = struct{}{}
	rs.mu.Unlock()

	metrics := rs.broker.Metrics()
	metrics.ActiveSessions.Inc()
	rs.sessionsServed.Add(1)

	defer func() {
		conn.Close()
		rs.mu.Lock()
		delete(rs.sessions, s)
		rs.mu.Unlock()
		metrics.ActiveSessions.Dec()
	}()

	if err := s.run(); err != nil && !rs.isClosed() {
		kind := sessionErrorKind(err)
		metrics.SessionErrors.WithLabelValues(kind).Inc()
		s.logger.Info("session ended", zap.String("reason", kind), zap.Error(err))
		return
	}
	s.logger.Debug("session closed")
}

// Stop closes the listener and every open session, then waits for their
// goroutines. Registrations are left to fail on their next delivery.
func (rs *RelayServer) Stop() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true

	var err error
	if rs.listener != nil {
		err = rs.listener.Close()
	}
	for s := range rs.sessions {
		s.conn.Close()
	}
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.logger.Info("relay server stopped")
	return err
}

func (rs *RelayServer) isClosed() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.closed
}

// GetStats returns relay statistics
func (rs *RelayServer) GetStats() map[string]interface{} {
	rs.mu.Lock()
	active := len(rs.sessions)
	rs.mu.Unlock()

	return map[string]interface{}{
		"uptime_seconds":  int64(time.Since(rs.startTime).Seconds()),
		"active_sessions": active,
		"sessions_served": rs.sessionsServed.Load(),
		"broker":          rs.broker.Stats(),
	}
}

func sessionErrorKind(err error) string {
	switch {
	case protocol.IsInvalidTag(err):
		return "invalid_tag"
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "payload_too_large"
	case isTimeout(err):
		return "idle_timeout"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "unexpected_eof"
	default:
		return "transport"
	}
}
