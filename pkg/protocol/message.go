package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ClientFrame is a frame sent from a client to the relay.
type ClientFrame interface {
	Tag() byte
	Encode() []byte
	clientFrame()
}

// ServerFrame is a frame sent from the relay to a client.
type ServerFrame interface {
	Tag() byte
	Encode() []byte
	serverFrame()
}

// ===== CLIENT → SERVER =====

// ClientMessage asks the relay to route Text to user To
type ClientMessage struct {
	FakeID int64  // Client-assigned placeholder id (negative)
	To     UserID // Recipient
	Len    uint64 // Declared payload length
	Text   string
}

// NewClientMessage creates a message frame with Len set from text
func NewClientMessage(fakeID int64, to UserID, text string) ClientMessage {
	return ClientMessage{FakeID: fakeID, To: to, Len: uint64(len(text)), Text: text}
}

func (ClientMessage) Tag() byte { return TagClientMessage }

// Encode encodes the message frame to bytes.
// The length field always carries the byte length of Text.
func (m ClientMessage) Encode() []byte {
	buf := make([]byte, ClientMessageHeaderSize+len(m.Text))
	offset := 0

	buf[offset] = TagClientMessage
	offset += TagSize

	binary.BigEndian.PutUint64(buf[offset:], uint64(m.FakeID))
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], m.To)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(len(m.Text)))
	offset += 8

	copy(buf[offset:], m.Text)

	return buf
}

func (m ClientMessage) String() string {
	return fmt.Sprintf("Msg{fake_id=%d to=%d len=%d}", m.FakeID, m.To, m.Len)
}

// Login claims an identity for the connection
type Login struct {
	UserID UserID
}

func (Login) Tag() byte { return TagLogin }

// Encode encodes the login frame to bytes
func (l Login) Encode() []byte {
	buf := make([]byte, LoginSize)
	buf[0] = TagLogin
	binary.BigEndian.PutUint64(buf[TagSize:], l.UserID)
	return buf
}

// Pull requests delivery of the mailbox contents
type Pull struct{}

func (Pull) Tag() byte      { return TagPull }
func (Pull) Encode() []byte { return []byte{TagPull} }

// Heartbeat is accepted and discarded by the relay
type Heartbeat struct{}

func (Heartbeat) Tag() byte      { return TagHeartbeat }
func (Heartbeat) Encode() []byte { return []byte{TagHeartbeat} }

func (ClientMessage) clientFrame() {}
func (Login) clientFrame()         {}
func (Pull) clientFrame()          {}
func (Heartbeat) clientFrame()     {}

// ===== SERVER → CLIENT =====

// ServerMessage delivers routed text to its recipient
type ServerMessage struct {
	MsgID     uint64 // Server-assigned id
	From      UserID // Sender
	Timestamp int64  // Unix seconds
	Len       uint64 // Declared payload length
	Text      string
}

// NewServerMessage creates a delivery frame with Len set from text
func NewServerMessage(msgID uint64, from UserID, ts int64, text string) ServerMessage {
	return ServerMessage{MsgID: msgID, From: from, Timestamp: ts, Len: uint64(len(text)), Text: text}
}

func (ServerMessage) Tag() byte { return TagServerMessage }

// Encode encodes the delivery frame to bytes.
// The length field always carries the byte length of Text.
func (m ServerMessage) Encode() []byte {
	buf := make([]byte, ServerMessageHeaderSize+len(m.Text))
	offset := 0

	buf[offset] = TagServerMessage
	offset += TagSize

	binary.BigEndian.PutUint64(buf[offset:], m.MsgID)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], m.From)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(m.Timestamp))
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(len(m.Text)))
	offset += 8

	copy(buf[offset:], m.Text)

	return buf
}

func (m ServerMessage) String() string {
	return fmt.Sprintf("Msg{msg_id=%d from=%d ts=%d len=%d}", m.MsgID, m.From, m.Timestamp, m.Len)
}

// Update correlates a client fake id with the server-assigned id
type Update struct {
	FakeID int64
	RealID uint64
}

func (Update) Tag() byte { return TagUpdate }

// Encode encodes the update frame to bytes
func (u Update) Encode() []byte {
	buf := make([]byte, UpdateSize)
	buf[0] = TagUpdate
	binary.BigEndian.PutUint64(buf[TagSize:], uint64(u.FakeID))
	binary.BigEndian.PutUint64(buf[TagSize+8:], u.RealID)
	return buf
}

// Control frames carry no payload
type (
	Quit         struct{}
	Ok           struct{}
	Err          struct{}
	AuthRequired struct{}
)

func (Quit) Tag() byte         { return TagQuit }
func (Ok) Tag() byte           { return TagOk }
func (Err) Tag() byte          { return TagErr }
func (AuthRequired) Tag() byte { return TagAuthRequired }

func (Quit) Encode() []byte         { return []byte{TagQuit} }
func (Ok) Encode() []byte           { return []byte{TagOk} }
func (Err) Encode() []byte          { return []byte{TagErr} }
func (AuthRequired) Encode() []byte { return []byte{TagAuthRequired} }

func (ServerMessage) serverFrame() {}
func (Update) serverFrame()        {}
func (Quit) serverFrame()          {}
func (Ok) serverFrame()            {}
func (Err) serverFrame()           {}
func (AuthRequired) serverFrame()  {}

// decodeText converts payload bytes to a string. Each maximal invalid
// UTF-8 subsequence becomes one U+FFFD, so "\xff\xfe" yields two and a
// truncated "\xe2\x82" yields one.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[invalidPrefixLen(b):]
			continue
		}
		sb.Write(b[:size])
		b = b[size:]
	}
	return sb.String()
}

// invalidPrefixLen returns the length of the maximal subpart of an
// ill-formed sequence starting at b[0]: the lead byte plus the continuation
// bytes that could still have completed it.
func invalidPrefixLen(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var need int

	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		need, lo = 2, 0xA0
	case c == 0xED:
		need, hi = 2, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		need, lo = 3, 0x90
	case c == 0xF4:
		need, hi = 3, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	default:
		return 1
	}

	n := 1
	for ; n <= need && n < len(b); n++ {
		if b[n] < lo || b[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}
