package webrtcpeer_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/webrtcpeer"
)

// newVNetAPIs puts n WebRTC stacks on one virtual LAN.
func newVNetAPIs(t *testing.T, n int) []*webrtc.API {
	t.Helper()

	lf := logging.NewDefaultLoggerFactory()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	apis := make([]*webrtc.API, 0, n)
	for i := 0; i < n; i++ {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if err != nil {
			t.Fatalf("new net %d: %v", i, err)
		}
		if err := router.AddNet(nw); err != nil {
			t.Fatalf("add net %d: %v", i, err)
		}
		apis = append(apis, webrtcpeer.NewAPI(webrtcpeer.APIConfig{Net: nw, LoggerFactory: lf}))
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})
	return apis
}

type received struct {
	from uint32
	data string
}

// observer collects mesh callbacks on channels.
type observer struct {
	opened chan uint32
	closed chan uint32
	msgs   chan received
}

func newObserver() *observer {
	return &observer{
		opened: make(chan uint32, 16),
		closed: make(chan uint32, 16),
		msgs:   make(chan received, 16),
	}
}

func (o *observer) attach(cfg *webrtcpeer.MeshConfig) {
	cfg.OnOpen = func(peer uint32) { o.opened <- peer }
	cfg.OnClose = func(peer uint32) { o.closed <- peer }
	cfg.OnMessage = func(peer uint32, data []byte) { o.msgs <- received{from: peer, data: string(data)} }
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
