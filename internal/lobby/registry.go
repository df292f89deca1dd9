package lobby

import (
	"errors"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

// codeAttempts bounds how many fresh codes are drawn when they collide with
// open lobbies.
const codeAttempts = 16

var errNoFreeCode = errors.New("no free lobby code")

type RegistryConfig struct {
	MaxLobbies int
	// SealCloseDelay is how long members of a sealed lobby stay connected.
	SealCloseDelay time.Duration
	NewCode        func() (string, error)
	Schedule       Scheduler
}

type Registry struct {
	cfg     RegistryConfig
	lobbies map[string]*Lobby
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Schedule == nil {
		cfg.Schedule = AfterFunc
	}
	return &Registry{
		cfg:     cfg,
		lobbies: make(map[string]*Lobby),
	}
}

func (r *Registry) Get(code string) (*Lobby, bool) {
	l, ok := r.lobbies[code]
	return l, ok
}

func (r *Registry) Len() int { return len(r.lobbies) }

// Join puts p in the lobby named by code, creating a new lobby with p as host
// when code is empty. created reports whether a lobby was created.
func (r *Registry) Join(p *Peer, code string) (l *Lobby, created bool, err error) {
	if code == "" {
		if len(r.lobbies) >= r.cfg.MaxLobbies {
			return nil, false, protocol.NewError(protocol.CodeTooManyLobbies)
		}
		if p.InLobby() {
			return nil, false, protocol.NewError(protocol.CodeAlreadyInLobby)
		}
		code, err = r.freeCode()
		if err != nil {
			return nil, false, err
		}
		l = newLobby(code, p.ID)
		r.lobbies[code] = l
		created = true
	} else {
		var ok bool
		if l, ok = r.lobbies[code]; !ok {
			return nil, false, protocol.NewError(protocol.CodeLobbyDoesNotExist)
		}
		if l.sealed {
			return nil, false, protocol.NewError(protocol.CodeLobbyIsSealed)
		}
		if p.InLobby() {
			return nil, false, protocol.NewError(protocol.CodeAlreadyInLobby)
		}
	}

	l.join(p)
	p.StopJoinGrace()
	return l, created, nil
}

func (r *Registry) freeCode() (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := r.cfg.NewCode()
		if err != nil {
			return "", fmt.Errorf("generate lobby code: %w", err)
		}
		if _, taken := r.lobbies[code]; !taken {
			return code, nil
		}
	}
	return "", errNoFreeCode
}

// Leave runs the leave transition for p's lobby, if any. When p hosted the
// lobby it is removed from the registry and returned.
func (r *Registry) Leave(p *Peer) (deleted *Lobby) {
	code := p.lobbyCode
	if code == "" {
		return nil
	}
	p.lobbyCode = ""

	l, ok := r.lobbies[code]
	if !ok {
		return nil
	}
	if l.leave(p) {
		delete(r.lobbies, code)
		return l
	}
	return nil
}

// Seal seals p's lobby. When the delay elapses every member still connected
// is closed normally; their disconnects then empty and delete the lobby.
func (r *Registry) Seal(p *Peer) (*Lobby, error) {
	l, ok := r.lobbies[p.lobbyCode]
	if !ok {
		return nil, protocol.NewError(protocol.CodeServerError)
	}
	err := l.seal(p, r.cfg.Schedule, r.cfg.SealCloseDelay, func() {
		if r.lobbies[l.Code] != l {
			return
		}
		l.sealTimer = nil
		l.closeAll(protocol.CloseNormal)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
