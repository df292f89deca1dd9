package webrtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/client"
)

var (
	ErrClosed      = errors.New("webrtcpeer: mesh closed")
	ErrUnknownPeer = errors.New("webrtcpeer: unknown peer")
	ErrNotOpen     = errors.New("webrtcpeer: data channel not open")
)

// Signaler carries negotiation payloads to another lobby member.
// *client.Client satisfies it.
type Signaler interface {
	SendOffer(dest uint32, sdp string) error
	SendAnswer(dest uint32, sdp string) error
	SendCandidate(dest uint32, candidate string) error
}

type MeshConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Logger     *slog.Logger

	OnOpen func(peer uint32)
	// OnMessage receives a copy of every data channel message.
	OnMessage func(peer uint32, data []byte)
	OnClose   func(peer uint32)
}

// Mesh keeps one PeerConnection per lobby member. Of each pair, the member
// with the higher room-local id sends the offer, so the host (id 1) only
// ever answers.
type Mesh struct {
	cfg MeshConfig
	log *slog.Logger

	mu     sync.Mutex
	self   uint32
	peers  map[uint32]*meshPeer
	closed bool
}

type meshPeer struct {
	id uint32
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func NewMesh(cfg MeshConfig) (*Mesh, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("webrtcpeer: mesh requires a signaler")
	}
	if cfg.API == nil {
		cfg.API = NewAPI(APIConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mesh{
		cfg:   cfg,
		log:   cfg.Logger,
		peers: make(map[uint32]*meshPeer),
	}, nil
}

// Self returns the id announced by the relay, or 0 before it arrives.
func (m *Mesh) Self() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Mesh) Peers() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.peers))
}

// Run feeds relay events into the mesh until events is closed or ctx ends.
// Negotiation failures are logged and affect only the peer concerned.
func (m *Mesh) Run(ctx context.Context, events <-chan client.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.HandleEvent(ev); err != nil {
				m.log.Warn("mesh event failed", "event", ev.Kind.String(), "peer", ev.Peer, "err", err)
			}
		}
	}
}

func (m *Mesh) HandleEvent(ev client.Event) error {
	switch ev.Kind {
	case client.EventID:
		m.mu.Lock()
		m.self = ev.Peer
		m.mu.Unlock()
	case client.EventPeerConnected:
		return m.connect(ev.Peer)
	case client.EventPeerDisconnected:
		m.drop(ev.Peer)
	case client.EventOffer:
		return m.handleOffer(ev.Peer, ev.Payload)
	case client.EventAnswer:
		return m.handleAnswer(ev.Peer, ev.Payload)
	case client.EventCandidate:
		return m.handleCandidate(ev.Peer, ev.Payload)
	}
	return nil
}

func (m *Mesh) connect(id uint32) error {
	p, err := m.peer(id, true)
	if err != nil {
		return err
	}
	if m.Self() <= id {
		return nil
	}

	dc, err := CreateDataChannel(p.pc)
	if err != nil {
		return fmt.Errorf("create datachannel for %d: %w", id, err)
	}
	m.bind(p, dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %d: %w", id, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %d: %w", id, err)
	}
	return m.cfg.Signaler.SendOffer(id, offer.SDP)
}

func (m *Mesh) handleOffer(from uint32, sdp string) error {
	p, err := m.peer(from, true)
	if err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer from %d: %w", from, err)
	}
	if err := p.flushCandidates(); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %d: %w", from, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %d: %w", from, err)
	}
	return m.cfg.Signaler.SendAnswer(from, answer.SDP)
}

func (m *Mesh) handleAnswer(from uint32, sdp string) error {
	p, err := m.peer(from, false)
	if err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer from %d: %w", from, err)
	}
	return p.flushCandidates()
}

func (m *Mesh) handleCandidate(from uint32, payload string) error {
	p, err := m.peer(from, false)
	if err != nil {
		return err
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return fmt.Errorf("decode candidate from %d: %w", from, err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(c)
}

// Candidates can outrun the description they belong to; they wait here
// until the remote description is applied.
func (p *meshPeer) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate from %d: %w", p.id, err)
		}
	}
	return nil
}

func (m *Mesh) peer(id uint32, create bool) (*meshPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.peers[id]; ok {
		return p, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	pc, err := m.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %d: %w", id, err)
	}
	p := &meshPeer{id: id, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := m.cfg.Signaler.SendCandidate(id, string(raw)); err != nil {
			m.log.Debug("send candidate failed", "peer", id, "err", err)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateDataChannel(dc); err != nil {
			m.log.Warn("rejecting datachannel", "peer", id, "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		m.bind(p, dc)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debug("peer connection state", "peer", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			// Close off the callback goroutine.
			go m.drop(id)
		}
	})

	m.peers[id] = p
	return p, nil
}

func (m *Mesh) bind(p *meshPeer, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	id := p.id
	dc.OnOpen(func() {
		m.log.Debug("datachannel open", "peer", id)
		if m.cfg.OnOpen != nil {
			m.cfg.OnOpen(id)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.cfg.OnMessage == nil {
			return
		}
		m.cfg.OnMessage(id, append([]byte(nil), msg.Data...))
	})
}

func (m *Mesh) drop(id uint32) {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	_ = p.pc.Close()
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(id)
	}
}

// Send writes data to the channel shared with peer.
func (m *Mesh) Send(peer uint32, data []byte) error {
	m.mu.Lock()
	p, ok := m.peers[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.Send(data)
}

// Broadcast sends data to every peer with an open channel and returns how
// many received it.
func (m *Mesh) Broadcast(data []byte) int {
	sent := 0
	for _, id := range m.Peers() {
		if m.Send(id, data) == nil {
			sent++
		}
	}
	return sent
}

func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[uint32]*meshPeer)
	m.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
