package apiclient

import (
	"testing"
	"time"
)

func TestRateWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow("alice") {
			t.Fatalf("call %d should be allowed", i+1)
		}
		clock.Advance(time.Second)
	}
	if l.Allow("alice") {
		t.Fatalf("fourth call inside the window should be rejected")
	}
	if !l.Allow("bob") {
		t.Fatalf("callers have independent windows")
	}

	clock.Advance(time.Minute)
	if !l.Allow("alice") {
		t.Fatalf("call after the window elapsed should be allowed")
	}
}

func TestRateWindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(2, 10*time.Second, clock.Now)

	l.Allow("c")
	clock.Advance(6 * time.Second)
	l.Allow("c")
	if l.Allow("c") {
		t.Fatalf("window is full")
	}
	// The first call ages out, the second is still inside the window.
	clock.Advance(5 * time.Second)
	if !l.Allow("c") {
		t.Fatalf("expected a slot after the oldest call aged out")
	}
	if l.Allow("c") {
		t.Fatalf("window should be full again")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	l := NewRateLimiter(0, time.Minute, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatalf("disabled limiter rejected a call")
		}
	}
}
