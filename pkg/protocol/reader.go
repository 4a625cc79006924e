package protocol

import (
	"io"
)

const (
	initialBufferSize = 4096

	// A drained buffer that grew past this size is released
	shrinkBufferSize = 64 * initialBufferSize
)

// Reader assembles frames from a byte stream that may deliver them in pieces.
// A Reader is not safe for concurrent use.
type Reader[F any] struct {
	r     io.Reader
	codec Codec[F]

	buf   []byte
	start int // first unconsumed byte
	end   int // end of buffered data
	max   int // buffer ceiling, 0 for none

	err error // sticky error from the underlying reader
}

// NewReader creates a frame reader over r.
// maxBuffer caps the buffer size; 0 leaves it unbounded.
func NewReader[F any](r io.Reader, codec Codec[F], maxBuffer int) *Reader[F] {
	return &Reader[F]{
		r:     r,
		codec: codec,
		buf:   make([]byte, initialBufferSize),
		max:   maxBuffer,
	}
}

// NewClientReader reads client frames, as the relay does
func NewClientReader(r io.Reader, maxPayload uint64) *Reader[ClientFrame] {
	maxPayload = limit(maxPayload)
	return NewReader[ClientFrame](r, ClientCodec{MaxPayload: maxPayload}, MaxHeaderSize+int(maxPayload))
}

// NewServerReader reads server frames, as a client does
func NewServerReader(r io.Reader, maxPayload uint64) *Reader[ServerFrame] {
	maxPayload = limit(maxPayload)
	return NewReader[ServerFrame](r, ServerCodec{MaxPayload: maxPayload}, MaxHeaderSize+int(maxPayload))
}

// ReadFrame returns the next complete frame.
//
// It returns io.EOF when the stream ends cleanly between frames and
// io.ErrUnexpectedEOF when it ends inside one. An InvalidTagError or
// ErrPayloadTooLarge is fatal: the stream cannot be resynchronized.
func (r *Reader[F]) ReadFrame() (F, error) {
	var zero F

	for {
		frame, ok, err := r.parseFrame()
		if err != nil {
			return zero, err
		}
		if ok {
			return frame, nil
		}

		if r.err != nil {
			return zero, r.finish()
		}

		if r.end == len(r.buf) {
			if err := r.grow(); err != nil {
				return zero, err
			}
		}

		n, err := r.r.Read(r.buf[r.end:])
		r.end += n
		if err != nil {
			r.err = err
		}
	}
}

// parseFrame tries to decode one frame from the unconsumed bytes
func (r *Reader[F]) parseFrame() (F, bool, error) {
	var zero F

	pending := r.buf[r.start:r.end]
	if _, err := r.codec.Check(pending); err != nil {
		if err == ErrIncomplete {
			return zero, false, nil
		}
		return zero, false, err
	}

	frame, n := r.codec.Parse(pending)
	r.start += n

	if r.start == r.end {
		r.start, r.end = 0, 0
		if len(r.buf) > shrinkBufferSize {
			r.buf = make([]byte, initialBufferSize)
		}
	}

	return frame, true, nil
}

// grow makes room for another read: consumed bytes are discarded first, then
// the buffer doubles.
func (r *Reader[F]) grow() error {
	if r.start > 0 {
		copy(r.buf, r.buf[r.start:r.end])
		r.end -= r.start
		r.start = 0
		if r.end < len(r.buf) {
			return nil
		}
	}

	size := len(r.buf) * 2
	if r.max > 0 && size > r.max {
		size = r.max
	}
	if size <= len(r.buf) {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, size)
	copy(buf, r.buf[:r.end])
	r.buf = buf

	return nil
}

func (r *Reader[F]) finish() error {
	if r.err == io.EOF && r.start < r.end {
		return io.ErrUnexpectedEOF
	}
	return r.err
}
