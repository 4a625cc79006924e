package protocol

import (
	"math"
	"time"
)

// Frame tags (Server → Client)
const (
	TagServerMessage byte = '<'
	TagUpdate        byte = 'u'
	TagQuit          byte = 'q'
	TagOk            byte = 'o'
	TagErr           byte = 'e'
	TagAuthRequired  byte = 'a'
)

// Frame tags (Client → Server)
const (
	TagClientMessage byte = '>'
	TagLogin         byte = 'l'
	TagPull          byte = 'p'
	TagHeartbeat     byte = '?'
)

// Frame sizes, tag byte included
const (
	TagSize = 1

	// msg_id + from + ts + len
	ServerMessageHeaderSize = TagSize + 8 + 8 + 8 + 8

	// fake_id + real_id
	UpdateSize = TagSize + 8 + 8

	// fake_id + to + len
	ClientMessageHeaderSize = TagSize + 8 + 8 + 8

	// user_id
	LoginSize = TagSize + 8

	// Largest fixed prefix of any frame
	MaxHeaderSize = ServerMessageHeaderSize
)

// DefaultMaxPayloadSize bounds the text payload a reader accepts (1 MiB).
const DefaultMaxPayloadSize uint64 = 1 << 20

// MaxPayloadLimit is the largest payload cap a reader can honour: header
// plus payload must fit in an int.
const MaxPayloadLimit = uint64(math.MaxInt - MaxHeaderSize)

// UserID identifies a chat user. Login is an unauthenticated claim.
type UserID = uint64

// ===== HELPER FUNCTIONS =====

// NowUnix returns current time in Unix seconds
func NowUnix() int64 {
	return time.Now().Unix()
}

// TagName returns a printable name for a frame tag
func TagName(tag byte) string {
	switch tag {
	case TagServerMessage, TagClientMessage:
		return "msg"
	case TagUpdate:
		return "update"
	case TagQuit:
		return "quit"
	case TagOk:
		return "ok"
	case TagErr:
		return "err"
	case TagAuthRequired:
		return "auth_required"
	case TagLogin:
		return "login"
	case TagPull:
		return "pull"
	case TagHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}
