package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names counted under aero_webrtc_lobby_relay_events_total.
const (
	PeerConnected    = "peer_connected"
	PeerDisconnected = "peer_disconnected"
	LobbyCreated     = "lobby_created"
	LobbyJoined      = "lobby_joined"
	LobbyDeleted     = "lobby_deleted"
	LobbySealed      = "lobby_sealed"
	MessageRelayed   = "message_relayed"

	// Rejections, keyed by the reason a connection was closed.
	RejectTooManyPeers       = "reject_too_many_peers"
	RejectTooManyConnections = "reject_too_many_connections"
	RejectReconnectTooQuick  = "reject_reconnect_too_quickly"
	RejectOrigin             = "reject_origin"
	ProtocolError            = "protocol_error"
	RateLimited              = "rate_limited"
	NoLobbyTimeout           = "no_lobby_timeout"
	HeartbeatTimeout         = "heartbeat_timeout"
	SendQueueFull            = "send_queue_full"
)

const namespace = "aero_webrtc_lobby_relay"

// Metrics holds the relay's collectors on a private registry so tests can
// create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	peers    prometheus.Gauge
	lobbies  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by kind.",
		}, []string{"event"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Currently connected peers.",
		}),
		lobbies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lobbies",
			Help:      "Currently open lobbies.",
		}),
	}
	m.registry.MustRegister(m.events, m.peers, m.lobbies)
	return m
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) SetLobbies(n int) {
	if m == nil {
		return
	}
	m.lobbies.Set(float64(n))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
