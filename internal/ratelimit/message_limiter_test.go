package ratelimit

import (
	"testing"
	"time"
)

func TestMessageLimiter_BurstAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clk, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("message %d rejected within burst", i+1)
		}
	}
	if l.Allow() {
		t.Fatalf("expected limiter to be empty")
	}

	clk.Advance(250 * time.Millisecond)
	if !l.Allow() {
		t.Fatalf("expected refill after time advance")
	}
}

func TestMessageLimiter_DisabledWhenZero(t *testing.T) {
	l := NewMessageLimiter(nil, 0)
	if l != nil {
		t.Fatalf("expected nil limiter")
	}
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatalf("nil limiter rejected a message")
		}
	}
}
