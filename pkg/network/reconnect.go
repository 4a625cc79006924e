package network

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/logging"
)

// ReconnectConfig configures a Reconnector
type ReconnectConfig struct {
	Addr           string
	UserID         uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	KeepAlive      time.Duration // heartbeat interval, 0 disables
}

// DefaultReconnectConfig returns reconnect settings for a relay at addr
func DefaultReconnectConfig(addr string, userID uint64) ReconnectConfig {
	return ReconnectConfig{
		Addr:           addr,
		UserID:         userID,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Reconnector keeps a client logged in to a relay. Every new connection
// logs in as the configured user and pulls the mailbox, so messages sent
// while the client was away are delivered once it is back.
type Reconnector struct {
	config ReconnectConfig
	setup  func(*Client)
	logger *zap.Logger
	dial   func(addr string) (Conn, error)

	mu      sync.Mutex
	current *Client
	changed chan struct{}
}

// NewReconnector creates a reconnector. setup runs on each new client
// before it starts receiving, which is where callbacks are attached.
func NewReconnector(config ReconnectConfig, setup func(*Client), logger *zap.Logger) *Reconnector {
	logger = logging.OrNop(logger)
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}

	return &Reconnector{
		config: config,
		setup:  setup,
		logger: logger.With(zap.String("relay", config.Addr), zap.Uint64("user_id", config.UserID)),
		dial: func(addr string) (Conn, error) {
			conn, err := Dial(addr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		changed: make(chan struct{}),
	}
}

// Run connects and reconnects until ctx is cancelled or the relay sends
// Quit. It returns nil after a Quit and ctx.Err() on cancellation.
func (r *Reconnector) Run(ctx context.Context) error {
	backoff := r.config.InitialBackoff

	for {
		c, err := r.connect()
		if err != nil {
			r.logger.Warn("❌ Connection failed", zap.Duration("retry_in", backoff), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
			continue
		}

		r.logger.Info("✅ Connected")
		backoff = r.config.InitialBackoff
		r.setCurrent(c)

		select {
		case <-ctx.Done():
			c.Close()
			r.setCurrent(nil)
			return ctx.Err()
		case <-c.Done():
		}

		c.Close()
		r.setCurrent(nil)

		if c.QuitReceived() {
			r.logger.Info("Relay asked to quit, not reconnecting")
			return nil
		}

		r.logger.Info("🔄 Connection lost, reconnecting", zap.Duration("retry_in", backoff), zap.Error(c.Err()))
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (r *Reconnector) connect() (*Client, error) {
	conn, err := r.dial(r.config.Addr)
	if err != nil {
		return nil, err
	}

	c := NewClient(conn, 0, r.logger)
	if r.setup != nil {
		r.setup(c)
	}
	c.Start()

	if err := c.Login(r.config.UserID); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Pull(); err != nil {
		c.Close()
		return nil, err
	}
	if r.config.KeepAlive > 0 {
		c.KeepAlive(r.config.KeepAlive)
	}
	return c, nil
}

func (r *Reconnector) setCurrent(c *Client) {
	r.mu.Lock()
	r.current = c
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Client returns the connected client, or nil while disconnected
func (r *Reconnector) Client() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Send sends text through the current connection
func (r *Reconnector) Send(to uint64, text string) (int64, error) {
	c := r.Client()
	if c == nil {
		return 0, ErrNotConnected
	}
	fakeID, err := c.Send(to, text)
	return fakeID, errors.Wrap(err, "reconnector send")
}

// WaitConnected blocks until a client other than prev is connected
func (r *Reconnector) WaitConnected(ctx context.Context, prev *Client) (*Client, error) {
	for {
		r.mu.Lock()
		c, changed := r.current, r.changed
		r.mu.Unlock()

		if c != nil && c != prev {
			return c, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
