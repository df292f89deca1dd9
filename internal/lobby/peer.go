// Package lobby holds the room state machine: peers, lobbies, and the
// registry mapping lobby codes to lobbies.
//
// Nothing in this package locks. Callers serialize every call, including the
// callbacks handed to the Scheduler.
package lobby

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

// Conn is the outbound half of a peer's connection. Implementations must not
// block.
type Conn interface {
	Send(msg string) error
	Close(code protocol.Code, reason string)
}

type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d. The returned Timer cancels it.
type Scheduler func(d time.Duration, fn func()) Timer

// AfterFunc schedules on the runtime timer heap.
func AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type Peer struct {
	ID uint32

	conn      Conn
	lobbyCode string
	joinGrace Timer
}

func NewPeer(id uint32, conn Conn) *Peer {
	return &Peer{ID: id, conn: conn}
}

func (p *Peer) Conn() Conn { return p.conn }

// LobbyCode is empty until the peer joins a lobby.
func (p *Peer) LobbyCode() string { return p.lobbyCode }

func (p *Peer) InLobby() bool { return p.lobbyCode != "" }

// SetJoinGrace replaces any pending join-grace timer.
func (p *Peer) SetJoinGrace(t Timer) {
	p.StopJoinGrace()
	p.joinGrace = t
}

func (p *Peer) StopJoinGrace() {
	if p.joinGrace != nil {
		p.joinGrace.Stop()
		p.joinGrace = nil
	}
}

func (p *Peer) send(msg string) {
	// A failed send already terminated the connection; its disconnect runs
	// the usual leave path.
	_ = p.conn.Send(msg)
}

func (p *Peer) close(code protocol.Code) {
	p.conn.Close(code, code.Reason())
}
