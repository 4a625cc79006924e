package network

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/logging"
	"github.com/ZentaChain/relaychat/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// Client is a relay client. Set the callbacks, then call Start to begin
// receiving frames.
type Client struct {
	conn    Conn
	reader  *protocol.Reader[protocol.ServerFrame]
	logger  *zap.Logger
	writeMu sync.Mutex

	fakeID   atomic.Int64
	userID   atomic.Uint64
	loggedIn atomic.Bool
	quit     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup

	// Callbacks, invoked from the receive goroutine
	OnMessage func(protocol.ServerMessage)
	OnUpdate  func(protocol.Update)
	OnControl func(protocol.ServerFrame) // Quit, Ok, Err, AuthRequired
}

// NewClient wraps an established connection to a relay.
// maxPayload bounds accepted message text (0 means the default).
func NewClient(conn Conn, maxPayload uint64, logger *zap.Logger) *Client {
	logger = logging.OrNop(logger)

	return &Client{
		conn:   conn,
		reader: protocol.NewServerReader(conn, maxPayload),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// ConnectToRelay dials a relay at host:port or a multiaddr
func ConnectToRelay(addr string, logger *zap.Logger) (*Client, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, 0, logger), nil
}

// Start launches the receive loop
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.receiveLoop()
	})
}

// Login claims userID. Calling it again switches identity.
func (c *Client) Login(userID uint64) error {
	if err := c.write(protocol.Login{UserID: userID}); err != nil {
		return err
	}
	c.userID.Store(userID)
	c.loggedIn.Store(true)
	return nil
}

// Send sends text to a user and returns the fake id the relay's Update
// will refer to. Fake ids start at -1 and decrease.
func (c *Client) Send(to uint64, text string) (int64, error) {
	if !c.loggedIn.Load() {
		return 0, ErrNotLoggedIn
	}

	fakeID := c.fakeID.Add(-1)
	if err := c.write(protocol.NewClientMessage(fakeID, to, text)); err != nil {
		return 0, err
	}
	return fakeID, nil
}

// Pull asks the relay to deliver the mailbox
func (c *Client) Pull() error {
	return c.write(protocol.Pull{})
}

// Heartbeat sends a no-op frame that keeps an idle session alive
func (c *Client) Heartbeat() error {
	return c.write(protocol.Heartbeat{})
}

// UserID returns the id of the last Login, or false before any
func (c *Client) UserID() (uint64, bool) {
	return c.userID.Load(), c.loggedIn.Load()
}

func (c *Client) write(frame protocol.ClientFrame) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(frame.Encode()); err != nil {
		return errors.Wrapf(err, "send %s", protocol.TagName(frame.Tag()))
	}
	return nil
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer c.shutdown(nil)

	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			if err != io.EOF {
				c.shutdown(err)
			}
			return
		}

		switch f := frame.(type) {
		case protocol.ServerMessage:
			if c.OnMessage != nil {
				c.OnMessage(f)
			}
		case protocol.Update:
			if c.OnUpdate != nil {
				c.OnUpdate(f)
			}
		default:
			if c.OnControl != nil {
				c.OnControl(f)
			}
			if _, ok := f.(protocol.Quit); ok {
				c.quit.Store(true)
				c.logger.Info("relay asked to quit")
				return
			}
		}
	}
}

// KeepAlive sends a Heartbeat every interval until the client closes
func (c *Client) KeepAlive(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.Heartbeat(); err != nil {
					c.logger.Warn("keepalive heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// QuitReceived reports whether the connection ended on the relay's Quit
func (c *Client) QuitReceived() bool {
	return c.quit.Load()
}

// Err returns the error that ended the connection, nil for a clean close
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects from the relay and waits for background goroutines
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}
