package signaling

import (
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/relay"
)

// handleMessage applies one inbound frame. A returned error closes the
// sender's connection and nothing else.
func (s *Server) handleMessage(sess *session, raw string) error {
	msg, err := protocol.Parse(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[sess.id] != sess {
		return nil
	}
	if msg.Tag == protocol.TagJoin {
		return s.join(sess, strings.TrimSpace(msg.Arg))
	}

	p := sess.peer
	if !p.InLobby() {
		return protocol.NewError(protocol.CodeNeedLobby)
	}
	l, ok := s.lobbies.Get(p.LobbyCode())
	if !ok {
		sess.log.Error("peer references missing lobby", "lobby", p.LobbyCode())
		return protocol.NewError(protocol.CodeServerError)
	}

	switch {
	case msg.Tag == protocol.TagSeal:
		if _, err := s.lobbies.Seal(p); err != nil {
			return err
		}
		s.metrics.Inc(metrics.LobbySealed)
		sess.log.Info("lobby sealed", "lobby", l.Code)
		return nil

	case protocol.IsRelay(msg.Tag):
		destID, err := protocol.ParseDest(msg.Arg)
		if err != nil {
			return err
		}
		dest, ok := l.ResolveDest(destID)
		if !ok {
			return protocol.NewError(protocol.CodeInvalidDest)
		}
		if err := relay.Forward(dest.Conn(), msg.Tag, l.RoomID(p), msg.Payload); err != nil {
			// The destination's problem, not the sender's.
			sess.log.Debug("relay to peer failed", "dest", dest.ID, "err", err)
			return nil
		}
		s.metrics.Inc(metrics.MessageRelayed)
		return nil

	default:
		return protocol.NewError(protocol.CodeInvalidCmd)
	}
}

func (s *Server) join(sess *session, code string) error {
	l, created, err := s.lobbies.Join(sess.peer, code)
	if err != nil {
		return err
	}
	if created {
		s.metrics.Inc(metrics.LobbyCreated)
		s.metrics.SetLobbies(s.lobbies.Len())
		sess.log.Info("lobby created", "lobby", l.Code)
	} else {
		s.metrics.Inc(metrics.LobbyJoined)
		sess.log.Debug("lobby joined", "lobby", l.Code, "members", l.Len())
	}
	return nil
}
