package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d rejected", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window admitted")
	}
	// The first event leaves the window at t0+1s; only one slot frees up.
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatalf("event after the oldest expired rejected")
	}
	if rl.Allow(t0.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("second slot should still be taken")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != defaultRateEvents || rl.window != defaultRateWindow {
		t.Fatalf("defaults: events=%d window=%s", len(rl.ring), rl.window)
	}
}
