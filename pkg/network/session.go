package network

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/protocol"
)

type sessionState int

const (
	stateAwaitingLogin sessionState = iota
	stateAuthenticated
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingLogin:
		return "awaiting_login"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// session is the read-dispatch loop of one client connection
type session struct {
	broker *Broker
	conn   Conn
	reader *protocol.Reader[protocol.ClientFrame]
	base   *zap.Logger
	logger *zap.Logger

	state  sessionState
	userID uint64
	ids    *MessageCounter
}

func newSession(rs *RelayServer, conn Conn) *session {
	logger := rs.logger
	if addr := conn.RemoteAddr(); addr != nil {
		logger = logger.With(zap.String("remote", addr.String()))
	}

	return &session{
		broker: rs.broker,
		conn:   conn,
		reader: protocol.NewClientReader(newIdleReader(conn, rs.config.IdleTimeout), rs.config.MaxPayloadSize),
		base:   logger,
		logger: logger,
		state:  stateAwaitingLogin,
		ids:    rs.broker.NewMessageCounter(),
	}
}

// run processes frames in arrival order. A clean end of stream returns nil.
func (s *session) run() error {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		s.broker.Metrics().FramesReceived.WithLabelValues(protocol.TagName(frame.Tag())).Inc()

		if err := s.handle(frame); err != nil {
			return err
		}
	}
}

func (s *session) handle(frame protocol.ClientFrame) error {
	if s.state == stateAwaitingLogin {
		login, ok := frame.(protocol.Login)
		if !ok {
			s.broker.Metrics().AuthRequired.Inc()
			return s.reply(protocol.AuthRequired{})
		}

		s.userID = login.UserID
		s.broker.Register(s.userID, s.conn)
		s.state = stateAuthenticated
		s.logger = s.base.With(zap.Uint64("user_id", s.userID))
		s.logger.Info("user logged in")
		return nil
	}

	switch f := frame.(type) {
	case protocol.ClientMessage:
		s.broker.EnqueueMessage(s.ids, s.userID, f)

	case protocol.Login:
		s.broker.Relogin(s.userID, f.UserID)
		s.logger.Info("user switched identity", zap.Uint64("new_user_id", f.UserID))
		s.userID = f.UserID
		s.logger = s.base.With(zap.Uint64("user_id", s.userID))

	case protocol.Pull:
		if _, err := s.broker.Pull(s.userID); err != nil {
			// The mailbox is left as it was; the client may pull again
			s.logger.Error("pull failed", zap.Error(err))
		}

	case protocol.Heartbeat:
	}
	return nil
}

// reply writes a control frame directly. Only used before login, while no
// delivery worker can hold this connection.
func (s *session) reply(frame protocol.ServerFrame) error {
	if _, err := s.conn.Write(frame.Encode()); err != nil {
		return errors.Wrap(err, "write reply")
	}
	return nil
}
