package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrIncomplete means more bytes are needed before the frame can be parsed.
	// It never escapes a Reader.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrPayloadTooLarge means the declared payload length exceeds the limit.
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// InvalidTagError reports an unrecognized frame tag. It is a fatal protocol
// violation and is never retried.
type InvalidTagError struct {
	Tag byte
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("invalid frame tag 0x%02x", e.Tag)
}

// IsInvalidTag reports whether err is an InvalidTagError
func IsInvalidTag(err error) bool {
	var tagErr *InvalidTagError
	return errors.As(err, &tagErr)
}

// Codec is the two-phase decode contract shared by both frame families.
//
// Check inspects buf from its first byte without consuming anything. It returns
// the size of the first frame when buf holds all of it, ErrIncomplete when more
// bytes are needed, or a fatal error.
//
// Parse decodes the first frame of buf and returns it together with the number
// of bytes it occupied. It must only be called after Check succeeded on the
// same bytes.
type Codec[F any] interface {
	Check(buf []byte) (int, error)
	Parse(buf []byte) (F, int)
}

// ClientCodec decodes frames sent by clients
type ClientCodec struct {
	MaxPayload uint64 // 0 means DefaultMaxPayloadSize
}

// ServerCodec decodes frames sent by the relay
type ServerCodec struct {
	MaxPayload uint64 // 0 means DefaultMaxPayloadSize
}

// Check implements Codec
func (c ClientCodec) Check(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}

	switch buf[0] {
	case TagClientMessage:
		return checkPayload(buf, ClientMessageHeaderSize, limit(c.MaxPayload))
	case TagLogin:
		return checkFixed(buf, LoginSize)
	case TagPull, TagHeartbeat:
		return TagSize, nil
	default:
		return 0, &InvalidTagError{Tag: buf[0]}
	}
}

// Parse implements Codec
func (c ClientCodec) Parse(buf []byte) (ClientFrame, int) {
	switch buf[0] {
	case TagClientMessage:
		offset := TagSize

		fakeID := int64(binary.BigEndian.Uint64(buf[offset:]))
		offset += 8

		to := binary.BigEndian.Uint64(buf[offset:])
		offset += 8

		n := binary.BigEndian.Uint64(buf[offset:])
		offset += 8

		end := offset + int(n)
		return ClientMessage{
			FakeID: fakeID,
			To:     to,
			Len:    n,
			Text:   decodeText(buf[offset:end]),
		}, end

	case TagLogin:
		return Login{UserID: binary.BigEndian.Uint64(buf[TagSize:])}, LoginSize
	case TagPull:
		return Pull{}, TagSize
	case TagHeartbeat:
		return Heartbeat{}, TagSize
	}

	panic(fmt.Sprintf("protocol: Parse on unchecked client frame (tag 0x%02x)", buf[0]))
}

// Check implements Codec
func (c ServerCodec) Check(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}

	switch buf[0] {
	case TagServerMessage:
		return checkPayload(buf, ServerMessageHeaderSize, limit(c.MaxPayload))
	case TagUpdate:
		return checkFixed(buf, UpdateSize)
	case TagQuit, TagOk, TagErr, TagAuthRequired:
		return TagSize, nil
	default:
		return 0, &InvalidTagError{Tag: buf[0]}
	}
}

// Parse implements Codec
func (c ServerCodec) Parse(buf []byte) (ServerFrame, int) {
	switch buf[0] {
	case TagServerMessage:
		offset := TagSize

		msgID := binary.BigEndian.Uint64(buf[offset:])
		offset += 8

		from := binary.BigEndian.Uint64(buf[offset:])
		offset += 8

		ts := int64(binary.BigEndian.Uint64(buf[offset:]))
		offset += 8

		n := binary.BigEndian.Uint64(buf[offset:])
		offset += 8

		end := offset + int(n)
		return ServerMessage{
			MsgID:     msgID,
			From:      from,
			Timestamp: ts,
			Len:       n,
			Text:      decodeText(buf[offset:end]),
		}, end

	case TagUpdate:
		return Update{
			FakeID: int64(binary.BigEndian.Uint64(buf[TagSize:])),
			RealID: binary.BigEndian.Uint64(buf[TagSize+8:]),
		}, UpdateSize
	case TagQuit:
		return Quit{}, TagSize
	case TagOk:
		return Ok{}, TagSize
	case TagErr:
		return Err{}, TagSize
	case TagAuthRequired:
		return AuthRequired{}, TagSize
	}

	panic(fmt.Sprintf("protocol: Parse on unchecked server frame (tag 0x%02x)", buf[0]))
}

// DecodeClientFrame decodes one complete client frame from buf
func DecodeClientFrame(buf []byte) (ClientFrame, int, error) {
	return decode[ClientFrame](ClientCodec{}, buf)
}

// DecodeServerFrame decodes one complete server frame from buf
func DecodeServerFrame(buf []byte) (ServerFrame, int, error) {
	return decode[ServerFrame](ServerCodec{}, buf)
}

func decode[F any](codec Codec[F], buf []byte) (F, int, error) {
	var zero F
	if _, err := codec.Check(buf); err != nil {
		return zero, 0, err
	}
	frame, n := codec.Parse(buf)
	return frame, n, nil
}

// checkFixed verifies a fixed-shape frame is fully present
func checkFixed(buf []byte, size int) (int, error) {
	if len(buf) < size {
		return 0, ErrIncomplete
	}
	return size, nil
}

// checkPayload verifies the fixed header, then the declared payload, are present
func checkPayload(buf []byte, headerSize int, maxPayload uint64) (int, error) {
	if len(buf) < headerSize {
		return 0, ErrIncomplete
	}

	n := binary.BigEndian.Uint64(buf[headerSize-8:])
	if n > maxPayload || n > uint64(math.MaxInt-headerSize) {
		return 0, fmt.Errorf("%w: declared %d bytes, limit %d", ErrPayloadTooLarge, n, maxPayload)
	}

	total := headerSize + int(n)
	if len(buf) < total {
		return 0, ErrIncomplete
	}

	return total, nil
}

// limit resolves a configured cap: 0 means the default, and anything
// above MaxPayloadLimit is clamped so frame sizes fit in an int
func limit(max uint64) uint64 {
	switch {
	case max == 0:
		return DefaultMaxPayloadSize
	case max > MaxPayloadLimit:
		return MaxPayloadLimit
	}
	return max
}
