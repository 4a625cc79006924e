// Package api provides the HTTP status API of the relay and its WebSocket
// transport
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/logging"
	"github.com/ZentaChain/relaychat/pkg/network"
	"github.com/ZentaChain/relaychat/pkg/protocol"
)

// Server is the HTTP API server of a relay
type Server struct {
	relay      *network.RelayServer
	broker     *network.Broker
	gatherer   prometheus.Gatherer
	router     *gin.Engine
	config     *Config
	logger     *zap.Logger
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
}

// Config holds server configuration
type Config struct {
	Addr            string
	EnableCORS      bool
	EnableWebSocket bool
	RateLimit       int   // Requests per minute per IP, 0 disables
	MaxMessageSize  int64 // Largest WebSocket message accepted
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:9090",
		EnableCORS:      true,
		EnableWebSocket: true,
		RateLimit:       600,
		MaxMessageSize:  int64(protocol.MaxHeaderSize) + int64(protocol.DefaultMaxPayloadSize),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. gatherer serves /metrics and
// may be nil.
func NewServer(relay *network.RelayServer, broker *network.Broker, gatherer prometheus.Gatherer, config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger = logging.OrNop(logger)

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		relay:    relay,
		broker:   broker,
		gatherer: gatherer,
		router:   gin.New(),
		config:   config,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Error recovery
	s.router.Use(gin.Recovery())

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if s.config.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.logger))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		relay := v1.Group("/relay")
		{
			relay.GET("/stats", s.handleStats)
			relay.GET("/users", s.handleUsers)
			relay.GET("/mailbox/:userID", s.handleMailbox)
		}
	}

	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	if s.config.EnableWebSocket {
		s.router.GET("/ws", s.handleWebSocket)
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.Addr)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API stopped", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down. WebSocket sessions are hijacked
// connections and end when the relay server stops.
func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
