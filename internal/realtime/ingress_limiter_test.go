package realtime

import (
	"testing"
	"time"
)

func TestIngressLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewIngressLimiter(3, time.Second)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !l.Allow(now) {
			t.Fatalf("envelope %d within limit was denied", i)
		}
	}
	if l.Allow(now) {
		t.Fatalf("envelope beyond limit was allowed")
	}
}

func TestIngressLimiter_WindowSlides(t *testing.T) {
	l := NewIngressLimiter(2, time.Second)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if !l.Allow(now) || !l.Allow(now) {
		t.Fatalf("envelopes within limit were denied")
	}
	if l.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("envelope inside window beyond limit was allowed")
	}
	// Capacity returns once the oldest accept ages out.
	if !l.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("envelope after window slide was denied")
	}
}

func TestIngressLimiter_RingWrapsUnderSustainedLoad(t *testing.T) {
	l := NewIngressLimiter(2, time.Second)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Drive several full windows; each window must admit exactly the limit.
	for w := 0; w < 5; w++ {
		base := now.Add(time.Duration(w) * 2 * time.Second)
		admitted := 0
		for i := 0; i < 10; i++ {
			if l.Allow(base.Add(time.Duration(i) * time.Millisecond)) {
				admitted++
			}
		}
		if admitted != 2 {
			t.Fatalf("window %d: admitted %d, want 2", w, admitted)
		}
	}
}

func TestIngressLimiter_DefaultsOnInvalidInput(t *testing.T) {
	l := NewIngressLimiter(0, 0)
	if len(l.stamps) != rateLimitEvents || l.window != rateLimitWindow {
		t.Fatalf("expected defaults %d/%v, got %d/%v", rateLimitEvents, rateLimitWindow, len(l.stamps), l.window)
	}
}
