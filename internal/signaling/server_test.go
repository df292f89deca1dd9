package signaling

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/idgen"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRelay struct {
	srv     *Server
	ts      *httptest.Server
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newTestRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := metrics.New()
	cfg := Config{
		JoinGrace:         5 * time.Second,
		SealCloseDelay:    50 * time.Millisecond,
		ReconnectCooldown: time.Second,
		HeartbeatInterval: time.Hour,
		// Every test peer presents its own address unless it asks otherwise.
		TrustForwardedFor: true,
		Metrics:           m,
		Clock:             clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testRelay{srv: srv, ts: ts, clock: clk, metrics: m}
}

type testPeer struct {
	t  *testing.T
	ws *websocket.Conn
}

var addrSeq struct {
	sync.Mutex
	n int
}

func uniqueAddr() string {
	addrSeq.Lock()
	defer addrSeq.Unlock()
	addrSeq.n++
	return "198.51." + strconv.Itoa(addrSeq.n/250) + "." + strconv.Itoa(addrSeq.n%250+1)
}

func (r *testRelay) dialFrom(t *testing.T, addr string) *testPeer {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/"
	h := http.Header{}
	h.Set("X-Forwarded-For", addr)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testPeer{t: t, ws: ws}
}

func (r *testRelay) dial(t *testing.T) *testPeer {
	t.Helper()
	return r.dialFrom(t, uniqueAddr())
}

func (p *testPeer) send(msg string) {
	p.t.Helper()
	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) read() string {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return string(data)
}

func (p *testPeer) expect(want string) {
	p.t.Helper()
	if got := p.read(); got != want {
		p.t.Fatalf("got %q, want %q", got, want)
	}
}

func (p *testPeer) expectClose(code protocol.Code) {
	p.t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := p.ws.ReadMessage()
		if err == nil {
			// Messages queued before the close are still delivered.
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			p.t.Fatalf("expected close %d, got %v", code, err)
		}
		if ce.Code != int(code) {
			p.t.Fatalf("close code=%d (%q), want %d", ce.Code, ce.Text, code)
		}
		if ce.Text != code.Reason() {
			p.t.Fatalf("close reason=%q, want %q", ce.Text, code.Reason())
		}
		return
	}
}

var codeLine = regexp.MustCompile(`^J: [A-Z]{4}\n$`)

// host creates a lobby and returns its code.
func (r *testRelay) host(t *testing.T) (*testPeer, string) {
	t.Helper()

	p := r.dial(t)
	p.send("J: \n")
	p.expect("I: 1\n")
	line := p.read()
	if !codeLine.MatchString(line) {
		t.Fatalf("unexpected join ack %q", line)
	}
	return p, strings.TrimSuffix(strings.TrimPrefix(line, "J: "), "\n")
}

// join adds a guest to code and returns it with its global id. Existing
// members are expected to be exactly others, in join order, whose
// presence notices are consumed.
func (r *testRelay) join(t *testing.T, code string, others ...*testPeer) (*testPeer, string) {
	t.Helper()

	p := r.dial(t)
	p.send("J: " + code + "\n")
	idLine := p.read()
	if !strings.HasPrefix(idLine, "I: ") {
		t.Fatalf("unexpected id line %q", idLine)
	}
	id := strings.TrimSuffix(strings.TrimPrefix(idLine, "I: "), "\n")
	for range others {
		if line := p.read(); !strings.HasPrefix(line, "N: ") {
			t.Fatalf("unexpected presence line %q", line)
		}
	}
	p.expect("J: " + code + "\n")
	for _, o := range others {
		o.expect("N: " + id + "\n")
	}
	return p, id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreateLobby(t *testing.T) {
	r := newTestRelay(t, nil)

	_, code := r.host(t)
	if r.srv.Lobbies() != 1 {
		t.Fatalf("Lobbies=%d, want 1", r.srv.Lobbies())
	}
	if got := r.metrics.Get(metrics.LobbyCreated); got != 1 {
		t.Fatalf("lobby_created=%d, want 1", got)
	}
	if len(code) != 4 {
		t.Fatalf("code=%q", code)
	}
}

func TestJoinExchangesIdentities(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)

	b := r.dial(t)
	b.send("J: " + code + "\n")
	idLine := b.read()
	id := strings.TrimSuffix(strings.TrimPrefix(idLine, "I: "), "\n")
	if n, err := strconv.ParseUint(id, 10, 32); err != nil || n < 2 {
		t.Fatalf("unexpected id line %q", idLine)
	}
	b.expect("N: 1\n")
	b.expect("J: " + code + "\n")
	a.expect("N: " + id + "\n")
}

func TestJoinCodeIsTrimmed(t *testing.T) {
	r := newTestRelay(t, nil)
	_, code := r.host(t)

	b := r.dial(t)
	b.send("J:  " + code + " \n")
	b.read() // I:
	b.expect("N: 1\n")
	b.expect("J: " + code + "\n")
}

func TestRelayPreservesPayload(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)
	b, bID := r.join(t, code, a)

	sdp := "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\n\nO: 1\n"
	b.send("O: 1\n" + sdp)
	a.expect("O: " + bID + "\n" + sdp)

	a.send("A: " + bID + "\n" + sdp)
	b.expect("A: 1\n" + sdp)

	a.send("C: " + bID + "\n")
	b.expect("C: 1\n")

	if got := r.metrics.Get(metrics.MessageRelayed); got != 3 {
		t.Fatalf("message_relayed=%d, want 3", got)
	}
}

func TestGuestLeaveNotifiesMembers(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)
	b, bID := r.join(t, code, a)
	c, _ := r.join(t, code, a, b)

	_ = b.ws.Close()
	a.expect("D: " + bID + "\n")
	c.expect("D: " + bID + "\n")

	// The lobby survives a guest leaving.
	r.join(t, code, a, c)
}

func TestHostLeaveClosesLobby(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)
	b, _ := r.join(t, code, a)

	_ = a.ws.Close()
	b.expectClose(protocol.CodeHostDisconnected)

	waitFor(t, "lobby deletion", func() bool { return r.srv.Lobbies() == 0 })
	c := r.dial(t)
	c.send("J: " + code + "\n")
	c.expectClose(protocol.CodeLobbyDoesNotExist)
}

func TestSealClosesMembersNormally(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.SealCloseDelay = 300 * time.Millisecond })
	a, code := r.host(t)
	b, _ := r.join(t, code, a)

	a.send("S: \n")
	a.expect("S: \n")
	b.expect("S: \n")

	late := r.dial(t)
	late.send("J: " + code + "\n")
	late.expectClose(protocol.CodeLobbyIsSealed)

	a.expectClose(protocol.CloseNormal)
	b.expectClose(protocol.CloseNormal)
	waitFor(t, "lobby deletion", func() bool { return r.srv.Lobbies() == 0 })
}

func TestOnlyHostCanSeal(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)
	b, _ := r.join(t, code, a)

	b.send("S: \n")
	b.expectClose(protocol.CodeOnlyHostCanSeal)
}

func TestProtocolErrors(t *testing.T) {
	r := newTestRelay(t, nil)

	cases := []struct {
		name    string
		inLobby bool
		msg     string
		want    protocol.Code
	}{
		{"no newline", false, "J: ", protocol.CodeInvalidFormat},
		{"short header", false, "J\n", protocol.CodeInvalidFormat},
		{"relay before join", false, "O: 1\nx", protocol.CodeNeedLobby},
		{"seal before join", false, "S: \n", protocol.CodeNeedLobby},
		{"unknown lobby", false, "J: QQQQ\n", protocol.CodeLobbyDoesNotExist},
		{"unknown command", true, "X: 1\n", protocol.CodeInvalidCmd},
		{"zero dest", true, "O: 0\n", protocol.CodeInvalidDest},
		{"non-numeric dest", true, "A: abc\n", protocol.CodeInvalidDest},
		{"absent dest", true, "C: 12345\n", protocol.CodeInvalidDest},
		{"already in lobby", true, "J: \n", protocol.CodeAlreadyInLobby},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p *testPeer
			if tc.inLobby {
				p, _ = r.host(t)
			} else {
				p = r.dial(t)
			}
			p.send(tc.msg)
			p.expectClose(tc.want)
		})
	}
}

func TestBinaryFrameRejected(t *testing.T) {
	r := newTestRelay(t, nil)
	p := r.dial(t)

	if err := p.ws.WriteMessage(websocket.BinaryMessage, []byte("J: \n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.expectClose(protocol.CodeInvalidTransferMode)
}

func TestOversizedMessageClosed(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxMessageBytes = 64 })
	p := r.dial(t)

	p.send("J: \n" + strings.Repeat("x", 100))
	_ = p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := p.ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected the connection to be closed")
	}
	// The socket may be reset before the 1009 close frame is read.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseMessageTooBig {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseMessageTooBig)
	}
	waitFor(t, "disconnect", func() bool { return r.srv.Peers() == 0 })
}

func TestJoinGraceExpiry(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.JoinGrace = 50 * time.Millisecond })
	p := r.dial(t)

	p.expectClose(protocol.CodeNoLobby)
	if got := r.metrics.Get(metrics.NoLobbyTimeout); got != 1 {
		t.Fatalf("no_lobby_timeout=%d, want 1", got)
	}
}

func TestJoinCancelsGrace(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.JoinGrace = 100 * time.Millisecond })
	a, _ := r.host(t)

	time.Sleep(250 * time.Millisecond)
	a.send("O: 1\nping")
	a.expect("O: 1\nping")
}

func TestPerAddressCeiling(t *testing.T) {
	r := newTestRelay(t, nil)

	const addr = "203.0.113.7"
	for i := 0; i < 10; i++ {
		p := r.dialFrom(t, addr)
		p.send("J: \n")
		p.expect("I: 1\n")
	}

	eleventh := r.dialFrom(t, addr)
	eleventh.expectClose(protocol.CodeTooManyConnections)
	if got := r.metrics.Get(metrics.RejectTooManyConnections); got != 1 {
		t.Fatalf("reject_too_many_connections=%d, want 1", got)
	}
}

func TestGlobalCeiling(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxPeers = 2 })

	for i := 0; i < 2; i++ {
		p := r.dial(t)
		p.send("J: \n")
		p.expect("I: 1\n")
	}
	r.dial(t).expectClose(protocol.CodeTooManyPeers)
}

func TestTooManyLobbies(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxLobbies = 1 })
	r.host(t)

	p := r.dial(t)
	p.send("J: \n")
	p.expectClose(protocol.CodeTooManyLobbies)
}

func TestReconnectCooldown(t *testing.T) {
	r := newTestRelay(t, nil)

	const addr = "203.0.113.9"
	first := r.dialFrom(t, addr)
	first.send("J: \n")
	first.expect("I: 1\n")
	_ = first.ws.Close()
	waitFor(t, "disconnect", func() bool { return r.srv.Peers() == 0 })

	r.clock.Advance(500 * time.Millisecond)
	r.dialFrom(t, addr).expectClose(protocol.CodeReconnectTooQuickly)

	// The rejected attempt did not restart the window.
	r.clock.Advance(500 * time.Millisecond)
	again := r.dialFrom(t, addr)
	again.send("J: \n")
	again.expect("I: 1\n")
}

type switchableReader struct {
	fail atomic.Bool
}

func (r *switchableReader) Read(p []byte) (int, error) {
	if r.fail.Load() {
		return 0, errors.New("entropy unavailable")
	}
	return rand.Read(p)
}

func TestPeerIDFailureDoesNotStartCooldown(t *testing.T) {
	src := &switchableReader{}
	src.fail.Store(true)
	r := newTestRelay(t, func(c *Config) { c.IDs = idgen.New(src) })

	const addr = "203.0.113.20"
	r.dialFrom(t, addr).expectClose(protocol.CodeError)
	if got := r.srv.gate.Connections(addr); got != 0 {
		t.Fatalf("Connections=%d after failed admission, want 0", got)
	}
	if got := r.srv.gate.CoolingDown(); got != 0 {
		t.Fatalf("CoolingDown=%d after failed admission, want 0", got)
	}

	// Same address, no time elapsed.
	src.fail.Store(false)
	p := r.dialFrom(t, addr)
	p.send("J: \n")
	p.expect("I: 1\n")
}

type discardConn struct{}

func (discardConn) Send(string) error           { return nil }
func (discardConn) Close(protocol.Code, string) {}

func TestMissingLobbyClosesOnlyOffender(t *testing.T) {
	r := newTestRelay(t, nil)
	a, code := r.host(t)
	b, bID := r.join(t, code, a)

	stray := r.dial(t)
	waitFor(t, "stray admission", func() bool { return r.srv.Peers() == 3 })

	// Point the stray session at a lobby the server has no record of.
	elsewhere := lobby.NewRegistry(lobby.RegistryConfig{
		MaxLobbies: 1,
		NewCode: func() (string, error) {
			if code == "ZZZZ" {
				return "YYYY", nil
			}
			return "ZZZZ", nil
		},
	})
	var joinErr error
	r.srv.mu.Lock()
	for _, sess := range r.srv.sessions {
		if sess.peer.InLobby() {
			continue
		}
		ghost := lobby.NewPeer(sess.id, discardConn{})
		_, _, joinErr = elsewhere.Join(ghost, "")
		sess.peer = ghost
	}
	r.srv.mu.Unlock()
	if joinErr != nil {
		t.Fatalf("join elsewhere: %v", joinErr)
	}

	stray.send("S: \n")
	stray.expectClose(protocol.CodeServerError)

	a.send("C: " + bID + "\ncandidate\n")
	b.expect("C: 1\ncandidate\n")
	b.send("C: 1\n")
	a.expect("C: " + bID + "\n")
	if got := r.srv.Lobbies(); got != 1 {
		t.Fatalf("Lobbies=%d, want 1", got)
	}
}

func TestMessageRateLimit(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxMessagesPerSecond = 2 })
	a, _ := r.host(t)

	a.send("O: 1\nx")
	a.expect("O: 1\nx")
	a.send("O: 1\ny")
	a.expectClose(protocol.CodeRateLimited)
}

func TestHeartbeatTerminatesSilentPeers(t *testing.T) {
	r := newTestRelay(t, nil)

	// The silent peer never reads, so it never answers pings.
	silent := r.dial(t)
	silent.send("J: \n")
	waitFor(t, "lobby", func() bool { return r.srv.Lobbies() == 1 })

	if dropped := r.srv.Sweep(); dropped != 0 {
		t.Fatalf("first sweep dropped %d", dropped)
	}
	if dropped := r.srv.Sweep(); dropped != 1 {
		t.Fatalf("second sweep dropped %d, want 1", dropped)
	}
	waitFor(t, "disconnect", func() bool { return r.srv.Peers() == 0 && r.srv.Lobbies() == 0 })
	if got := r.metrics.Get(metrics.HeartbeatTimeout); got != 1 {
		t.Fatalf("heartbeat_timeout=%d, want 1", got)
	}
}

func TestHeartbeatKeepsResponsivePeers(t *testing.T) {
	r := newTestRelay(t, nil)
	a, _ := r.host(t)

	// Reading lets gorilla answer pings.
	got := make(chan string, 1)
	go func() {
		_, data, err := a.ws.ReadMessage()
		if err == nil {
			got <- string(data)
		}
	}()

	for i := 0; i < 3; i++ {
		if dropped := r.srv.Sweep(); dropped != 0 {
			t.Fatalf("sweep %d dropped %d", i, dropped)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if r.srv.Peers() != 1 {
		t.Fatalf("Peers=%d, want 1", r.srv.Peers())
	}
}

func TestShutdownClosesPeers(t *testing.T) {
	r := newTestRelay(t, nil)
	a, _ := r.host(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- r.srv.Shutdown(ctx) }()

	a.expectClose(protocol.CloseGoingAway)
	if err := <-errc; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	r.dial(t).expectClose(protocol.CloseGoingAway)
}

func TestOriginPolicy(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.AllowedOrigins = []string{"https://game.example"} })

	wsURL := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/"
	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if got := r.metrics.Get(metrics.RejectOrigin); got != 1 {
		t.Fatalf("reject_origin=%d, want 1", got)
	}

	h.Set("Origin", "https://game.example")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, h)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	_ = ws.Close()
}
