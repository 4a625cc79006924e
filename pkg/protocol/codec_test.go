package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEmptyBuffer(t *testing.T) {
	_, err := ClientCodec{}.Check(nil)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = ServerCodec{}.Check([]byte{})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestCheckInvalidTag(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "single unknown byte", buf: []byte{'x'}},
		{name: "zero byte with trailing data", buf: []byte{0, 1, 2, 3}},
		{name: "server tag sent to server", buf: []byte{TagOk}},
		{name: "server message tag sent to server", buf: NewServerMessage(1, 2, 3, "hi").Encode()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ClientCodec{}.Check(tt.buf)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrIncomplete)
			assert.True(t, IsInvalidTag(err))

			var tagErr *InvalidTagError
			require.True(t, errors.As(err, &tagErr))
			assert.Equal(t, tt.buf[0], tagErr.Tag)
		})
	}

	_, err := ServerCodec{}.Check([]byte{TagLogin, 0, 0, 0, 0, 0, 0, 0, 1})
	assert.True(t, IsInvalidTag(err), "client tag must be invalid for the server codec")
}

func TestCheckTruncation(t *testing.T) {
	frames := map[string][]byte{
		"client message": NewClientMessage(-5, 42, "truncate me").Encode(),
		"client empty":   NewClientMessage(-5, 42, "").Encode(),
		"login":          Login{UserID: 7}.Encode(),
	}

	for name, encoded := range frames {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < len(encoded); i++ {
				_, err := ClientCodec{}.Check(encoded[:i])
				assert.ErrorIsf(t, err, ErrIncomplete, "prefix of %d bytes", i)
			}

			n, err := ClientCodec{}.Check(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
		})
	}

	serverFrames := map[string][]byte{
		"server message": NewServerMessage(9, 1, 1700000000, "truncate me").Encode(),
		"update":         Update{FakeID: -3, RealID: 3}.Encode(),
	}

	for name, encoded := range serverFrames {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < len(encoded); i++ {
				_, err := ServerCodec{}.Check(encoded[:i])
				assert.ErrorIsf(t, err, ErrIncomplete, "prefix of %d bytes", i)
			}

			n, err := ServerCodec{}.Check(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
		})
	}
}

func TestCheckStopsAtFrameBoundary(t *testing.T) {
	first := NewClientMessage(-1, 2, "first").Encode()
	second := Login{UserID: 3}.Encode()
	buf := append(append([]byte{}, first...), second...)

	n, err := ClientCodec{}.Check(buf)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)

	frame, consumed := ClientCodec{}.Parse(buf)
	assert.Equal(t, len(first), consumed)
	assert.Equal(t, NewClientMessage(-1, 2, "first"), frame)

	frame, consumed = ClientCodec{}.Parse(buf[consumed:])
	assert.Equal(t, len(second), consumed)
	assert.Equal(t, Login{UserID: 3}, frame)
}

func TestCheckPayloadTooLarge(t *testing.T) {
	header := make([]byte, ClientMessageHeaderSize)
	header[0] = TagClientMessage
	binary.BigEndian.PutUint64(header[ClientMessageHeaderSize-8:], 1025)

	_, err := ClientCodec{MaxPayload: 1024}.Check(header)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	binary.BigEndian.PutUint64(header[ClientMessageHeaderSize-8:], 1024)
	_, err = ClientCodec{MaxPayload: 1024}.Check(header)
	assert.ErrorIs(t, err, ErrIncomplete)

	// A declared length near the top of the range must not wrap around
	binary.BigEndian.PutUint64(header[ClientMessageHeaderSize-8:], ^uint64(0))
	_, err = ClientCodec{}.Check(header)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCheckUnboundedCapDoesNotWrap(t *testing.T) {
	unbounded := uint64(math.MaxUint64)

	client := make([]byte, ClientMessageHeaderSize)
	client[0] = TagClientMessage
	binary.BigEndian.PutUint64(client[ClientMessageHeaderSize-8:], unbounded-5)

	n, err := ClientCodec{MaxPayload: unbounded}.Check(client)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, n)

	server := make([]byte, ServerMessageHeaderSize)
	server[0] = TagServerMessage
	binary.BigEndian.PutUint64(server[ServerMessageHeaderSize-8:], uint64(math.MaxInt))

	n, err = ServerCodec{MaxPayload: unbounded}.Check(server)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, n)

	// A frame within reach still decodes under the same cap
	encoded := NewClientMessage(-1, 2, "fits").Encode()
	n, err = ClientCodec{MaxPayload: unbounded}.Check(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)

	frame, _ := ClientCodec{MaxPayload: unbounded}.Parse(encoded)
	assert.Equal(t, "fits", frame.(ClientMessage).Text)
}

func TestLimitClampsHugeCap(t *testing.T) {
	assert.Equal(t, DefaultMaxPayloadSize, limit(0))
	assert.Equal(t, uint64(16), limit(16))
	assert.Equal(t, MaxPayloadLimit, limit(math.MaxUint64))
}

func TestCheckZeroLengthPayload(t *testing.T) {
	encoded := NewServerMessage(1, 2, 3, "").Encode()
	require.Len(t, encoded, ServerMessageHeaderSize)

	n, err := ServerCodec{}.Check(encoded)
	require.NoError(t, err)
	assert.Equal(t, ServerMessageHeaderSize, n)
}

func TestParseUncheckedPanics(t *testing.T) {
	assert.Panics(t, func() { ClientCodec{}.Parse([]byte{'x'}) })
	assert.Panics(t, func() { ServerCodec{}.Parse([]byte{'x'}) })
}
