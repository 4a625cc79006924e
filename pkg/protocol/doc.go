// Package protocol implements the relaychat wire protocol.
//
// The protocol package defines the frames exchanged between chat clients and
// the relay, their byte-exact encoding, and an incremental decoder that
// tolerates frames split across TCP reads.
//
// # Frame Layout
//
// Every frame starts with a one-byte tag, followed by fixed-width big-endian
// integer fields in declaration order. Frames that carry text end with an
// 8-byte big-endian length and that many bytes of UTF-8.
//
// Client → Server:
//   - '>' Message: fake_id (i64), to (u64), len (u64), text
//   - 'l' Login: user_id (u64)
//   - 'p' Pull: no payload
//   - '?' Heartbeat: no payload
//
// Server → Client:
//   - '<' Message: msg_id (u64), from (u64), ts (i64), len (u64), text
//   - 'u' Update: fake_id (i64), real_id (u64)
//   - 'q' Quit, 'o' Ok, 'e' Err, 'a' AuthRequired: no payload
//
// # Decoding
//
// Decoding is two-phase. A Codec's Check reports whether a buffer holds a
// complete frame without consuming it; Parse then decodes it. Check returns
// ErrIncomplete when more bytes are needed, an *InvalidTagError for an unknown
// tag and ErrPayloadTooLarge when the declared length exceeds the configured
// limit. The last two are fatal for the stream.
//
// Text is decoded permissively: invalid UTF-8 is replaced with U+FFFD and
// never fails decoding. The declared length delimits the payload and is not
// otherwise validated.
//
// # Usage Example
//
//	// Relay side
//	reader := protocol.NewClientReader(conn, protocol.DefaultMaxPayloadSize)
//	for {
//	    frame, err := reader.ReadFrame()
//	    if err != nil {
//	        return err // io.EOF on clean close
//	    }
//	    switch f := frame.(type) {
//	    case protocol.Login:
//	        ...
//	    }
//	}
//
//	// Client side
//	conn.Write(protocol.Login{UserID: 1}.Encode())
//	conn.Write(protocol.NewClientMessage(-1, 2, "hi").Encode())
package protocol
