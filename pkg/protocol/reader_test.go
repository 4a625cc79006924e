package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns its data in the given chunk sizes, one per Read
type chunkReader struct {
	data   []byte
	chunks []int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}

	n := len(c.data)
	if len(c.chunks) > 0 {
		n = c.chunks[0]
		c.chunks = c.chunks[1:]
		if n > len(c.data) {
			n = len(c.data)
		}
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func readAllClient(t *testing.T, r io.Reader) []ClientFrame {
	t.Helper()

	reader := NewClientReader(r, 0)
	var frames []ClientFrame
	for {
		frame, err := reader.ReadFrame()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestReaderSingleRead(t *testing.T) {
	frames := []ClientFrame{
		Login{UserID: 1},
		NewClientMessage(-1, 2, "hi"),
		Heartbeat{},
		Pull{},
		NewClientMessage(-2, 2, ""),
	}

	var stream bytes.Buffer
	for _, f := range frames {
		stream.Write(f.Encode())
	}

	assert.Equal(t, frames, readAllClient(t, &stream))
}

func TestReaderSplitAtEveryBoundary(t *testing.T) {
	want := NewClientMessage(-42, 7, "split across reads")
	encoded := want.Encode()

	for i := 1; i < len(encoded); i++ {
		r := &chunkReader{data: encoded, chunks: []int{i, len(encoded) - i}}
		got := readAllClient(t, r)
		require.Len(t, got, 1, "split at %d", i)
		assert.Equal(t, want, got[0], "split at %d", i)
	}

	for i := 1; i < len(encoded)-1; i++ {
		r := &chunkReader{data: encoded, chunks: []int{i, 1, len(encoded)}}
		got := readAllClient(t, r)
		require.Len(t, got, 1, "three-way split at %d", i)
		assert.Equal(t, want, got[0])
	}
}

func TestReaderOneByteAtATime(t *testing.T) {
	want := []ServerFrame{
		Update{FakeID: -1, RealID: 1},
		NewServerMessage(1, 1, 1700000000, "one byte at a time"),
		AuthRequired{},
	}

	var stream bytes.Buffer
	for _, f := range want {
		stream.Write(f.Encode())
	}

	reader := NewServerReader(iotest.OneByteReader(&stream), 0)
	for _, w := range want {
		got, err := reader.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}

	_, err := reader.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReaderGrowsForLargeFrames(t *testing.T) {
	text := strings.Repeat("0123456789", 5000)
	want := NewClientMessage(-1, 9, text)

	r := &chunkReader{data: want.Encode(), chunks: []int{100, 3000, 7000, 20000}}
	got := readAllClient(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestReaderCompactsConsumedBytes(t *testing.T) {
	// Many small frames streamed in odd-sized chunks exercise compaction
	var stream bytes.Buffer
	var want []ClientFrame
	for i := 0; i < 2000; i++ {
		f := NewClientMessage(int64(-i-1), uint64(i), strings.Repeat("z", i%37))
		want = append(want, f)
		stream.Write(f.Encode())
	}

	chunks := make([]int, 0, stream.Len()/97+1)
	for i := 0; i < cap(chunks); i++ {
		chunks = append(chunks, 97)
	}

	got := readAllClient(t, &chunkReader{data: stream.Bytes(), chunks: chunks})
	assert.Equal(t, want, got)
}

func TestReaderUnexpectedEOF(t *testing.T) {
	encoded := NewClientMessage(-1, 2, "cut short").Encode()

	reader := NewClientReader(bytes.NewReader(encoded[:len(encoded)-3]), 0)
	_, err := reader.ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReaderCleanEOF(t *testing.T) {
	reader := NewClientReader(bytes.NewReader(nil), 0)
	_, err := reader.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReaderInvalidTagIsFatal(t *testing.T) {
	stream := append(Login{UserID: 1}.Encode(), 'X', 'Y', 'Z')

	reader := NewClientReader(bytes.NewReader(stream), 0)

	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, Login{UserID: 1}, frame)

	_, err = reader.ReadFrame()
	assert.True(t, IsInvalidTag(err))

	// Retrying does not skip the bad byte
	_, err = reader.ReadFrame()
	assert.True(t, IsInvalidTag(err))
}

func TestReaderPayloadLimit(t *testing.T) {
	encoded := NewClientMessage(-1, 2, strings.Repeat("a", 200)).Encode()

	reader := NewClientReader(bytes.NewReader(encoded), 100)
	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	reader = NewClientReader(bytes.NewReader(encoded), 200)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(200), frame.(ClientMessage).Len)
}

func TestReaderUnboundedCapRejectsWrappingLength(t *testing.T) {
	header := make([]byte, ClientMessageHeaderSize)
	header[0] = TagClientMessage
	binary.BigEndian.PutUint64(header[ClientMessageHeaderSize-8:], math.MaxUint64-5)

	reader := NewClientReader(bytes.NewReader(header), math.MaxUint64)

	var err error
	require.NotPanics(t, func() { _, err = reader.ReadFrame() })
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	// Ordinary frames still flow through a reader with the same cap
	reader = NewClientReader(bytes.NewReader(Login{UserID: 9}.Encode()), math.MaxUint64)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, Login{UserID: 9}, frame)
}

func TestReaderTransportError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	encoded := Login{UserID: 5}.Encode()

	r := io.MultiReader(bytes.NewReader(encoded), iotest.ErrReader(boom))
	reader := NewClientReader(r, 0)

	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, Login{UserID: 5}, frame)

	_, err = reader.ReadFrame()
	assert.ErrorIs(t, err, boom)
}

func TestReaderDataWithEOF(t *testing.T) {
	// iotest.DataErrReader returns the final bytes together with io.EOF
	var stream bytes.Buffer
	stream.Write(Pull{}.Encode())
	stream.Write(Heartbeat{}.Encode())

	got := readAllClient(t, iotest.DataErrReader(&stream))
	assert.Equal(t, []ClientFrame{Pull{}, Heartbeat{}}, got)
}
