package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

const (
	DefaultMaxQueuedMessages = 256
	DefaultMaxQueuedBytes    = 1 << 20
	DefaultWriteWait         = 1 * time.Second
	DefaultCloseGrace        = 1 * time.Second
)

type ConnConfig struct {
	MaxQueuedMessages int
	MaxQueuedBytes    int
	// WriteWait bounds every frame write, control frames included.
	WriteWait time.Duration
	// CloseGrace is how long the writer waits, after sending a close frame,
	// for the read side to observe the peer's close before dropping the socket.
	CloseGrace time.Duration

	Logger      *slog.Logger
	OnQueueFull func()
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.MaxQueuedMessages <= 0 {
		c.MaxQueuedMessages = DefaultMaxQueuedMessages
	}
	if c.MaxQueuedBytes <= 0 {
		c.MaxQueuedBytes = DefaultMaxQueuedBytes
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Conn is a WebSocket with a dedicated writer goroutine. Send and Close only
// enqueue, so they are safe to call while holding locks.
//
// The read side stays with the caller, which must call ReadDone when it
// stops reading.
type Conn struct {
	ws    *websocket.Conn
	cfg   ConnConfig
	log   *slog.Logger
	queue *sendQueue

	alive atomic.Bool

	readDone     chan struct{}
	readDoneOnce sync.Once
	done         chan struct{}
}

func NewConn(ws *websocket.Conn, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		log:      cfg.Logger,
		queue:    newSendQueue(cfg.MaxQueuedMessages, cfg.MaxQueuedBytes),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	go c.writeLoop()
	return c
}

// Send queues a text frame. If the queue is full the connection is
// terminated and ErrQueueFull returned.
func (c *Conn) Send(msg string) error {
	err := c.queue.EnqueueText(msg)
	if errors.Is(err, ErrQueueFull) {
		if c.cfg.OnQueueFull != nil {
			c.cfg.OnQueueFull()
		}
		c.log.Debug("send queue full, terminating connection")
		c.Terminate()
	}
	return err
}

// Close queues a close frame behind any pending messages. Only the first
// call has an effect.
func (c *Conn) Close(code protocol.Code, reason string) {
	c.queue.EnqueueClose(int(code), reason)
}

// Closing reports whether Close or Terminate has been called.
func (c *Conn) Closing() bool {
	return c.queue.Closing()
}

// Probe implements one heartbeat step. It returns false if the previous ping
// was never answered; otherwise it sends a new ping.
func (c *Conn) Probe() bool {
	if !c.alive.Swap(false) {
		return false
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log.Debug("ping failed", "err", err)
	}
	return true
}

// Terminate drops the socket without a close handshake.
func (c *Conn) Terminate() {
	c.queue.Close()
	_ = c.ws.Close()
}

func (c *Conn) SetReadLimit(limit int64) {
	c.ws.SetReadLimit(limit)
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *Conn) ReadDone() {
	c.readDoneOnce.Do(func() { close(c.readDone) })
}

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) QueueDrops() uint64 {
	return c.queue.DropCount()
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.Terminate()

	for {
		item, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		switch item.kind {
		case itemText:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(item.text)); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case itemClose:
			msg := websocket.FormatCloseMessage(item.code, item.reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("close frame write failed", "err", err)
				return
			}
			timer := time.NewTimer(c.cfg.CloseGrace)
			select {
			case <-c.readDone:
			case <-timer.C:
			}
			timer.Stop()
			return
		}
	}
}
