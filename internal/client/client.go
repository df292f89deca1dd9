// Package client speaks the lobby relay's text protocol over a WebSocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

type EventKind int

const (
	// EventID carries the room-local id assigned on entering a lobby.
	EventID EventKind = iota + 1
	EventPeerConnected
	EventPeerDisconnected
	// EventJoined acknowledges a join or create and carries the lobby code.
	EventJoined
	EventSealed
	EventOffer
	EventAnswer
	EventCandidate
)

func (k EventKind) String() string {
	switch k {
	case EventID:
		return "id"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventJoined:
		return "joined"
	case EventSealed:
		return "sealed"
	case EventOffer:
		return "offer"
	case EventAnswer:
		return "answer"
	case EventCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Event is one decoded server line.
type Event struct {
	Kind EventKind
	// Peer is the id for ID/PeerConnected/PeerDisconnected, and the sender
	// for Offer/Answer/Candidate.
	Peer    uint32
	Lobby   string
	Payload string
}

var ErrUnknownMessage = errors.New("client: unknown server message")

// ParseEvent decodes a single text frame sent by the relay.
func ParseEvent(raw string) (Event, error) {
	header, payload, ok := strings.Cut(raw, "\n")
	if !ok || len(header) < 3 || header[1] != ':' || header[2] != ' ' {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, raw)
	}
	arg := header[3:]

	id := func() (uint32, error) {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("client: bad peer id %q: %w", arg, err)
		}
		return uint32(n), nil
	}

	var ev Event
	switch header[0] {
	case protocol.TagID:
		ev.Kind = EventID
	case protocol.TagPeer:
		ev.Kind = EventPeerConnected
	case protocol.TagDisconnect:
		ev.Kind = EventPeerDisconnected
	case protocol.TagOffer:
		ev.Kind, ev.Payload = EventOffer, payload
	case protocol.TagAnswer:
		ev.Kind, ev.Payload = EventAnswer, payload
	case protocol.TagCandidate:
		ev.Kind, ev.Payload = EventCandidate, payload
	case protocol.TagJoin:
		return Event{Kind: EventJoined, Lobby: arg}, nil
	case protocol.TagSeal:
		return Event{Kind: EventSealed}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, raw)
	}

	n, err := id()
	if err != nil {
		return Event{}, err
	}
	ev.Peer = n
	return ev, nil
}

// Client is a connected relay session. Events are delivered in server order
// on Events until the connection ends; Err then reports why.
type Client struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex

	mu  sync.Mutex
	err error
}

const (
	eventBuffer = 64
	writeWait   = 5 * time.Second
)

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	c := &Client{
		ws:     ws,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the error that ended the session once Events is closed. A
// close initiated by the relay is a *websocket.CloseError.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CloseCode extracts the close code from err, or 0 if it is not a close.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := ParseEvent(string(data))
		if err != nil {
			c.setErr(err)
			_ = c.ws.Close()
			return
		}
		select {
		case c.events <- ev:
		case <-c.done:
			c.setErr(net.ErrClosed)
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Host creates a new lobby. The relay answers with ID, then Joined.
func (c *Client) Host() error {
	return c.send(protocol.Line(protocol.TagJoin, ""))
}

func (c *Client) Join(code string) error {
	return c.send(protocol.Line(protocol.TagJoin, code))
}

func (c *Client) Seal() error {
	return c.send(protocol.Line(protocol.TagSeal, ""))
}

func (c *Client) SendOffer(dest uint32, sdp string) error {
	return c.relay(protocol.TagOffer, dest, sdp)
}

func (c *Client) SendAnswer(dest uint32, sdp string) error {
	return c.relay(protocol.TagAnswer, dest, sdp)
}

func (c *Client) SendCandidate(dest uint32, candidate string) error {
	return c.relay(protocol.TagCandidate, dest, candidate)
}

func (c *Client) relay(tag byte, dest uint32, payload string) error {
	return c.send(protocol.IDLine(tag, dest) + payload)
}

// Close sends a normal closure and drops the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}
