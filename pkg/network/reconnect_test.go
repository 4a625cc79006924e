package network

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/relaychat/pkg/protocol"
)

func fastReconnect(addr string, userID uint64) ReconnectConfig {
	config := DefaultReconnectConfig(addr, userID)
	config.InitialBackoff = 5 * time.Millisecond
	config.MaxBackoff = 20 * time.Millisecond
	return config
}

func runReconnector(t *testing.T, r *Reconnector) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return result
}

func waitConnected(t *testing.T, r *Reconnector, prev *Client) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := r.WaitConnected(ctx, prev)
	require.NoError(t, err)
	return c
}

func TestReconnectorPullsMailboxOnConnect(t *testing.T) {
	b, rs := startRelay(t, ServerConfig{})

	alice := dialRaw(t, rs)
	alice.send(t, protocol.Login{UserID: 1}, protocol.NewClientMessage(-1, 2, "while away"))
	waitMailbox(t, b, 2, 1)

	rec := &recorder{}
	r := NewReconnector(fastReconnect(rs.Addr().String(), 2), rec.attach, nil)
	runReconnector(t, r)

	require.Eventually(t, func() bool {
		n, _, _ := rec.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "while away", rec.messages[0].Text)
}

func TestReconnectorReconnectsAfterDrop(t *testing.T) {
	b, rs := startRelay(t, ServerConfig{})

	rec := &recorder{}
	r := NewReconnector(fastReconnect(rs.Addr().String(), 2), rec.attach, nil)
	runReconnector(t, r)

	first := waitConnected(t, r, nil)
	require.Eventually(t, func() bool { return b.IsOnline(2) }, 2*time.Second, 5*time.Millisecond)

	// Drop the connection from the relay side
	rs.mu.Lock()
	for s := range rs.sessions {
		s.conn.Close()
	}
	rs.mu.Unlock()

	second := waitConnected(t, r, first)
	assert.NotSame(t, first, second)

	_, err := r.Send(1, "back again")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, n, _ := rec.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectorBacksOffOnDialFailure(t *testing.T) {
	var attempts atomic.Int32

	r := NewReconnector(fastReconnect("unused:0", 7), nil, nil)
	r.dial = func(string) (Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go io.Copy(io.Discard, server)
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
	runReconnector(t, r)

	waitConnected(t, r, nil)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestReconnectorStopsOnQuit(t *testing.T) {
	r := NewReconnector(fastReconnect("unused:0", 7), nil, nil)
	r.dial = func(string) (Conn, error) {
		client, server := net.Pipe()
		go func() {
			frames := protocol.NewClientReader(server, 0)
			frames.ReadFrame() // Login
			frames.ReadFrame() // Pull
			server.Write(protocol.Quit{}.Encode())
		}()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}

	result := runReconnector(t, r)

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnector kept running after Quit")
	}
	assert.Nil(t, r.Client())
}

func TestReconnectorSendWhileDisconnected(t *testing.T) {
	r := NewReconnector(fastReconnect("unused:0", 7), nil, nil)
	_, err := r.Send(1, "nobody home")
	assert.ErrorIs(t, err, ErrNotConnected)
}
