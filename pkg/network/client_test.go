package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/relaychat/pkg/protocol"
)

type recorder struct {
	mu       sync.Mutex
	messages []protocol.ServerMessage
	updates  []protocol.Update
	controls []protocol.ServerFrame
}

func (r *recorder) attach(c *Client) {
	c.OnMessage = func(m protocol.ServerMessage) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	}
	c.OnUpdate = func(u protocol.Update) {
		r.mu.Lock()
		r.updates = append(r.updates, u)
		r.mu.Unlock()
	}
	c.OnControl = func(f protocol.ServerFrame) {
		r.mu.Lock()
		r.controls = append(r.controls, f)
		r.mu.Unlock()
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages), len(r.updates), len(r.controls)
}

func connectClient(t *testing.T, rs *RelayServer) (*Client, *recorder) {
	t.Helper()
	c, err := ConnectToRelay(rs.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rec := &recorder{}
	rec.attach(c)
	c.Start()
	return c, rec
}

func TestClientSendReceive(t *testing.T) {
	b, rs := startRelay(t, ServerConfig{})

	bob, bobRec := connectClient(t, rs)
	require.NoError(t, bob.Login(2))
	require.Eventually(t, func() bool { return b.IsOnline(2) }, 2*time.Second, 5*time.Millisecond)

	alice, aliceRec := connectClient(t, rs)
	require.NoError(t, alice.Login(1))

	first, err := alice.Send(2, "hello")
	require.NoError(t, err)
	second, err := alice.Send(2, "again")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), first)
	assert.Equal(t, int64(-2), second)

	require.Eventually(t, func() bool {
		messages, _, _ := bobRec.counts()
		_, updates, _ := aliceRec.counts()
		return messages == 2 && updates == 2
	}, 2*time.Second, 5*time.Millisecond)

	aliceRec.mu.Lock()
	assert.Equal(t, []protocol.Update{{FakeID: -1, RealID: 1}, {FakeID: -2, RealID: 2}}, aliceRec.updates)
	aliceRec.mu.Unlock()

	bobRec.mu.Lock()
	assert.Equal(t, "hello", bobRec.messages[0].Text)
	assert.Equal(t, uint64(1), bobRec.messages[0].From)
	assert.Equal(t, "again", bobRec.messages[1].Text)
	bobRec.mu.Unlock()

	id, ok := alice.UserID()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), id)
}

func TestClientPull(t *testing.T) {
	b, rs := startRelay(t, ServerConfig{})

	alice, _ := connectClient(t, rs)
	require.NoError(t, alice.Login(1))
	_, err := alice.Send(3, "while you were out")
	require.NoError(t, err)
	waitMailbox(t, b, 3, 1)

	carol, carolRec := connectClient(t, rs)
	require.NoError(t, carol.Login(3))
	require.NoError(t, carol.Pull())

	require.Eventually(t, func() bool {
		messages, _, _ := carolRec.counts()
		return messages == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientSendBeforeLogin(t *testing.T) {
	_, rs := startRelay(t, ServerConfig{})

	c, _ := connectClient(t, rs)
	_, err := c.Send(1, "x")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestClientAuthRequiredCallback(t *testing.T) {
	_, rs := startRelay(t, ServerConfig{})

	c, rec := connectClient(t, rs)
	require.NoError(t, c.Pull())

	require.Eventually(t, func() bool {
		_, _, controls := rec.counts()
		return controls == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, protocol.AuthRequired{}, rec.controls[0])
	rec.mu.Unlock()
}

func TestClientKeepAlive(t *testing.T) {
	_, rs := startRelay(t, ServerConfig{IdleTimeout: 150 * time.Millisecond})

	c, _ := connectClient(t, rs)
	require.NoError(t, c.Login(1))
	c.KeepAlive(30 * time.Millisecond)

	select {
	case <-c.Done():
		t.Fatalf("connection dropped despite keepalive: %v", c.Err())
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClientQuitEndsReceiveLoop(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := NewClient(client, 0, nil)
	rec := &recorder{}
	rec.attach(c)
	c.Start()

	_, err := server.Write(protocol.Quit{}.Encode())
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop kept running after Quit")
	}
	assert.NoError(t, c.Err())
	_, _, controls := rec.counts()
	assert.Equal(t, 1, controls)

	assert.ErrorIs(t, c.Heartbeat(), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClientProtocolErrorReported(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := NewClient(client, 0, nil)
	c.Start()

	_, err := server.Write([]byte{'>'}) // client-only tag
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop ignored an invalid tag")
	}
	assert.True(t, protocol.IsInvalidTag(c.Err()))
}
