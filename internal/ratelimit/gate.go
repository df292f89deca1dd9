package ratelimit

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

type GateConfig struct {
	MaxPeers          int
	MaxPerAddress     int
	ReconnectCooldown time.Duration
}

// Gate decides whether a new connection may be admitted. It tracks the total
// number of open connections, the number per source address, and when each
// address last disconnected.
type Gate struct {
	cfg   GateConfig
	clock Clock

	mu        sync.Mutex
	open      int
	perAddr   map[string]int
	lastClose map[string]time.Time
}

func NewGate(cfg GateConfig, clock Clock) *Gate {
	if clock == nil {
		clock = RealClock{}
	}
	return &Gate{
		cfg:       cfg,
		clock:     clock,
		perAddr:   make(map[string]int),
		lastClose: make(map[string]time.Time),
	}
}

// Admit reserves a slot for a connection from addr. A rejected connection
// leaves the gate untouched, including the address's cooldown record.
func (g *Gate) Admit(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open >= g.cfg.MaxPeers {
		return protocol.NewError(protocol.CodeTooManyPeers)
	}
	if g.perAddr[addr] >= g.cfg.MaxPerAddress {
		return protocol.NewError(protocol.CodeTooManyConnections)
	}
	if last, ok := g.lastClose[addr]; ok {
		if g.clock.Now().Sub(last) < g.cfg.ReconnectCooldown {
			return protocol.NewError(protocol.CodeReconnectTooQuickly)
		}
		delete(g.lastClose, addr)
	}

	g.open++
	g.perAddr[addr]++
	return nil
}

// Release returns the slot taken by a successful Admit and starts the
// address's reconnect cooldown.
func (g *Gate) Release(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.free(addr)
	g.lastClose[addr] = g.clock.Now()
}

// Unreserve returns a slot for a connection that was admitted but never
// served. The address's cooldown record is left alone.
func (g *Gate) Unreserve(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.free(addr)
}

func (g *Gate) free(addr string) {
	n, ok := g.perAddr[addr]
	if !ok {
		return
	}
	if n <= 1 {
		delete(g.perAddr, addr)
	} else {
		g.perAddr[addr] = n - 1
	}
	if g.open > 0 {
		g.open--
	}
}

// PurgeExpired drops cooldown records older than the cooldown window and
// returns how many were removed.
func (g *Gate) PurgeExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	removed := 0
	for addr, last := range g.lastClose {
		if now.Sub(last) >= g.cfg.ReconnectCooldown {
			delete(g.lastClose, addr)
			removed++
		}
	}
	return removed
}

func (g *Gate) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *Gate) Connections(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perAddr[addr]
}

// CoolingDown returns the number of addresses with a cooldown record.
func (g *Gate) CoolingDown() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastClose)
}
