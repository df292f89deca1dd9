package signaling

import (
	"context"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/metrics"
)

// Run drives the maintenance loop until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep is one maintenance tick. Connections that ignored the previous ping
// are dropped, the rest are pinged again, and expired reconnect cooldowns are
// forgotten. It returns the number of dropped connections.
func (s *Server) Sweep() int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	// Pings are written outside the lock; WriteControl may block up to the
	// write deadline.
	dropped := 0
	for _, sess := range sessions {
		if sess.conn.Probe() {
			continue
		}
		dropped++
		s.metrics.Inc(metrics.HeartbeatTimeout)
		sess.log.Info("heartbeat timeout")
		sess.conn.Terminate()
	}

	if purged := s.gate.PurgeExpired(); purged > 0 {
		s.log.Debug("purged reconnect cooldowns", "count", purged)
	}
	return dropped
}
