package lobby

import (
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

type Lobby struct {
	Code string

	host      uint32
	members   []*Peer
	sealed    bool
	sealTimer Timer
}

func newLobby(code string, host uint32) *Lobby {
	return &Lobby{Code: code, host: host}
}

// Host returns the host's global id.
func (l *Lobby) Host() uint32 { return l.host }

func (l *Lobby) Sealed() bool { return l.sealed }

// Members returns the members in join order.
func (l *Lobby) Members() []*Peer {
	return slices.Clone(l.members)
}

func (l *Lobby) Len() int { return len(l.members) }

// RoomID is the identity other members know p by.
func (l *Lobby) RoomID(p *Peer) uint32 {
	if p.ID == l.host {
		return protocol.HostID
	}
	return p.ID
}

// ResolveDest maps a room-local id to a current member.
func (l *Lobby) ResolveDest(id uint32) (*Peer, bool) {
	if id == protocol.HostID {
		id = l.host
	}
	for _, m := range l.members {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

func (l *Lobby) indexOf(p *Peer) int {
	return slices.Index(l.members, p)
}

func (l *Lobby) join(p *Peer) {
	id := l.RoomID(p)
	p.send(protocol.IDLine(protocol.TagID, id))
	for _, m := range l.members {
		m.send(protocol.IDLine(protocol.TagPeer, id))
		p.send(protocol.IDLine(protocol.TagPeer, l.RoomID(m)))
	}
	l.members = append(l.members, p)
	p.lobbyCode = l.Code
	p.send(protocol.Line(protocol.TagJoin, l.Code))
}

// leave removes p and notifies whoever remains. It reports whether p was
// the host, in which case the lobby is finished.
func (l *Lobby) leave(p *Peer) bool {
	i := l.indexOf(p)
	if i < 0 {
		return false
	}
	id := l.RoomID(p)
	l.members = slices.Delete(l.members, i, i+1)

	if id != protocol.HostID {
		notice := protocol.IDLine(protocol.TagDisconnect, id)
		for _, m := range l.members {
			m.send(notice)
		}
		return false
	}

	for _, m := range l.members {
		m.close(protocol.CodeHostDisconnected)
	}
	if l.sealTimer != nil {
		l.sealTimer.Stop()
		l.sealTimer = nil
	}
	return true
}

// seal is a no-op on an already sealed lobby.
func (l *Lobby) seal(p *Peer, schedule Scheduler, delay time.Duration, onExpire func()) error {
	if p.ID != l.host {
		return protocol.NewError(protocol.CodeOnlyHostCanSeal)
	}
	if l.sealed {
		return nil
	}
	l.sealed = true
	notice := protocol.Line(protocol.TagSeal, "")
	for _, m := range l.members {
		m.send(notice)
	}
	l.sealTimer = schedule(delay, onExpire)
	return nil
}

func (l *Lobby) closeAll(code protocol.Code) {
	for _, m := range l.members {
		m.close(code)
	}
}
