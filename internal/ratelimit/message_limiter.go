package ratelimit

import (
	"golang.org/x/time/rate"
)

// MessageLimiter bounds how many inbound frames a single connection may send
// per second. A nil *MessageLimiter allows everything.
type MessageLimiter struct {
	clock   Clock
	limiter *rate.Limiter
}

// NewMessageLimiter returns nil when perSecond <= 0. The burst equals one
// second's worth of messages.
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &MessageLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (l *MessageLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), 1)
}
