package network

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pkg/errors"
)

// Conn is a bidirectional byte stream to one client.
// net.Conn satisfies it; so does the WebSocket adapter in pkg/api.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Listen opens a TCP listener. addr is either host:port or a multiaddr
// such as /ip4/0.0.0.0/tcp/8080.
func Listen(addr string) (net.Listener, error) {
	if !strings.HasPrefix(addr, "/") {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "listen on %s", addr)
		}
		return l, nil
	}

	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse multiaddr %s", addr)
	}

	ml, err := manet.Listen(maddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return manet.NetListener(ml), nil
}

// Dial connects to a relay at host:port or a multiaddr
func Dial(addr string) (net.Conn, error) {
	if !strings.HasPrefix(addr, "/") {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return conn, nil
	}

	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse multiaddr %s", addr)
	}

	conn, err := manet.Dial(maddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

// idleReader refreshes the read deadline before every read, so a session
// that stays silent for longer than timeout fails its next read.
type idleReader struct {
	conn    Conn
	d       readDeadliner
	timeout time.Duration
}

func newIdleReader(conn Conn, timeout time.Duration) io.Reader {
	d, ok := conn.(readDeadliner)
	if !ok || timeout <= 0 {
		return conn
	}
	return &idleReader{conn: conn, d: d, timeout: timeout}
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.d.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// handle is the writable side of a registered connection
type handle struct {
	conn Conn
	w    *bufio.Writer
}

func newHandle(conn Conn) *handle {
	return &handle{
		conn: conn,
		w:    bufio.NewWriter(conn),
	}
}

// writeFrame writes and flushes one serialized frame. The caller must hold
// the handle checked out.
func (h *handle) writeFrame(frame []byte, timeout time.Duration) error {
	if d, ok := h.conn.(writeDeadliner); ok && timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	return h.w.Flush()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
