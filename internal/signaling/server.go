// Package signaling implements the lobby relay's WebSocket endpoint: it admits
// connections, dispatches protocol commands to the lobby registry, and runs
// the heartbeat loop.
package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/idgen"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/relay"
)

// Config wires the runtime dependencies of the signaling service. Zero
// ceilings and durations fall back to the config package defaults.
type Config struct {
	MaxPeers                 int
	MaxConnectionsPerAddress int
	MaxLobbies               int
	MaxMessageBytes          int64
	// MaxMessagesPerSecond <= 0 disables the per-connection limiter.
	MaxMessagesPerSecond int

	JoinGrace         time.Duration
	SealCloseDelay    time.Duration
	ReconnectCooldown time.Duration
	HeartbeatInterval time.Duration

	AllowedOrigins    []string
	TrustForwardedFor bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Test hooks.
	Clock    ratelimit.Clock
	IDs      *idgen.Generator
	Schedule lobby.Scheduler
	Conn     relay.ConnConfig
}

// ConfigFrom copies the signaling settings out of the process configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxPeers:                 cfg.MaxPeers,
		MaxConnectionsPerAddress: cfg.MaxConnectionsPerAddress,
		MaxLobbies:               cfg.MaxLobbies,
		MaxMessageBytes:          cfg.MaxMessageBytes,
		MaxMessagesPerSecond:     cfg.MaxMessagesPerSecond,
		JoinGrace:                cfg.JoinGrace,
		SealCloseDelay:           cfg.SealCloseDelay,
		ReconnectCooldown:        cfg.ReconnectCooldown,
		HeartbeatInterval:        cfg.HeartbeatInterval,
		AllowedOrigins:           cfg.AllowedOrigins,
		TrustForwardedFor:        cfg.TrustForwardedFor,
	}
}

func (c Config) withDefaults() Config {
	d := config.Defaults()
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.MaxConnectionsPerAddress <= 0 {
		c.MaxConnectionsPerAddress = d.MaxConnectionsPerAddress
	}
	if c.MaxLobbies <= 0 {
		c.MaxLobbies = d.MaxLobbies
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.JoinGrace <= 0 {
		c.JoinGrace = d.JoinGrace
	}
	if c.SealCloseDelay <= 0 {
		c.SealCloseDelay = d.SealCloseDelay
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = d.ReconnectCooldown
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.IDs == nil {
		c.IDs = idgen.New(nil)
	}
	if c.Schedule == nil {
		c.Schedule = lobby.AfterFunc
	}
	return c
}

// Server is the relay engine. A single mutex guards the admission gate, the
// lobby registry, and the session table; every protocol transition and timer
// callback runs under it.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	gate     *ratelimit.Gate
	lobbies  *lobby.Registry
	sessions map[uint32]*session
	closed   bool

	wg sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	policy, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: make(map[uint32]*session),
		gate: ratelimit.NewGate(ratelimit.GateConfig{
			MaxPeers:          cfg.MaxPeers,
			MaxPerAddress:     cfg.MaxConnectionsPerAddress,
			ReconnectCooldown: cfg.ReconnectCooldown,
		}, cfg.Clock),
	}
	s.lobbies = lobby.NewRegistry(lobby.RegistryConfig{
		MaxLobbies:     cfg.MaxLobbies,
		SealCloseDelay: cfg.SealCloseDelay,
		NewCode:        cfg.IDs.LobbyCode,
		Schedule:       s.schedule,
	})
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if policy.Check(r) {
				return true
			}
			s.metrics.Inc(metrics.RejectOrigin)
			return false
		},
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /{$}", s)
}

// schedule runs fn under the server lock.
func (s *Server) schedule(d time.Duration, fn func()) lobby.Timer {
	return s.cfg.Schedule(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
}

type session struct {
	id      uint32
	addr    string
	peer    *lobby.Peer
	conn    *relay.Conn
	limiter *ratelimit.MessageLimiter
	log     *slog.Logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := s.remoteAddr(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", addr, "err", err)
		return
	}

	log := s.log.With("conn_id", uuid.NewString(), "remote_addr", addr)
	connCfg := s.cfg.Conn
	connCfg.Logger = log
	connCfg.OnQueueFull = func() { s.metrics.Inc(metrics.SendQueueFull) }
	conn := relay.NewConn(ws, connCfg)
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	sess, err := s.admit(addr, conn, log)
	if err != nil {
		perr := protocol.AsError(err)
		log.Info("connection rejected", "code", int(perr.Code), "reason", perr.Reason)
		conn.Close(perr.Code, perr.Reason)
		drain(conn)
		conn.Terminate()
		return
	}

	s.run(sess)
}

func (s *Server) admit(addr string, conn *relay.Conn, log *slog.Logger) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, protocol.NewError(protocol.CloseGoingAway)
	}
	if err := s.gate.Admit(addr); err != nil {
		s.metrics.Inc(rejectEvent(err))
		return nil, err
	}

	id, err := s.freePeerID()
	if err != nil {
		s.gate.Unreserve(addr)
		return nil, err
	}

	sess := &session{
		id:      id,
		addr:    addr,
		peer:    lobby.NewPeer(id, conn),
		conn:    conn,
		limiter: ratelimit.NewMessageLimiter(s.cfg.Clock, s.cfg.MaxMessagesPerSecond),
		log:     log.With("peer_id", id),
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	sess.peer.SetJoinGrace(s.schedule(s.cfg.JoinGrace, func() {
		if s.sessions[id] != sess || sess.peer.InLobby() {
			return
		}
		s.metrics.Inc(metrics.NoLobbyTimeout)
		sess.log.Debug("no lobby joined in time")
		sess.peer.StopJoinGrace()
		conn.Close(protocol.CodeNoLobby, protocol.CodeNoLobby.Reason())
	}))

	s.metrics.Inc(metrics.PeerConnected)
	s.metrics.SetPeers(len(s.sessions))
	sess.log.Info("peer connected")
	return sess, nil
}

// freePeerID draws until the id is not held by a connected peer.
func (s *Server) freePeerID() (uint32, error) {
	for {
		id, err := s.cfg.IDs.PeerID()
		if err != nil {
			return 0, err
		}
		if _, taken := s.sessions[id]; !taken {
			return id, nil
		}
	}
}

func rejectEvent(err error) string {
	switch protocol.AsError(err).Code {
	case protocol.CodeTooManyPeers:
		return metrics.RejectTooManyPeers
	case protocol.CodeTooManyConnections:
		return metrics.RejectTooManyConnections
	default:
		return metrics.RejectReconnectTooQuick
	}
}

func (s *Server) run(sess *session) {
	defer s.disconnect(sess)
	defer sess.conn.ReadDone()

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				sess.log.Debug("read failed", "err", err)
			}
			return
		}
		// Keep reading after a close was requested so the peer's close frame is
		// consumed, but ignore what it says.
		if sess.conn.Closing() {
			continue
		}
		if !sess.limiter.Allow() {
			s.metrics.Inc(metrics.RateLimited)
			s.fail(sess, protocol.NewError(protocol.CodeRateLimited))
			continue
		}
		if msgType != websocket.TextMessage {
			s.fail(sess, protocol.NewError(protocol.CodeInvalidTransferMode))
			continue
		}
		if err := s.handleMessage(sess, string(data)); err != nil {
			s.fail(sess, protocol.AsError(err))
		}
	}
}

func (s *Server) fail(sess *session, perr *protocol.Error) {
	s.metrics.Inc(metrics.ProtocolError)
	sess.log.Debug("protocol error", "code", int(perr.Code), "reason", perr.Reason)
	sess.conn.Close(perr.Code, perr.Reason)
}

func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
		s.gate.Release(sess.addr)
		sess.peer.StopJoinGrace()
		if l := s.lobbies.Leave(sess.peer); l != nil {
			s.metrics.Inc(metrics.LobbyDeleted)
			sess.log.Info("lobby deleted", "lobby", l.Code)
		}
		s.metrics.Inc(metrics.PeerDisconnected)
		s.metrics.SetPeers(len(s.sessions))
		s.metrics.SetLobbies(s.lobbies.Len())
		sess.log.Info("peer disconnected")
		s.wg.Done()
	}
	s.mu.Unlock()

	sess.conn.Terminate()
}

// drain reads until the peer answers the close or the socket is dropped.
func drain(conn *relay.Conn) {
	defer conn.ReadDone()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// remoteAddr keys admission. With TrustForwardedFor the left-most
// X-Forwarded-For entry wins.
func (s *Server) remoteAddr(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Lobbies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbies.Len()
}

// Shutdown stops admitting peers, closes every connected peer with 1001 and
// waits for their sessions to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, sess := range s.sessions {
		sess.conn.Close(protocol.CloseGoingAway, protocol.CloseGoingAway.Reason())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, sess := range s.sessions {
			sess.conn.Terminate()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
