package ratelimit

import (
	"testing"
	"time"
)

// fakeClock drives a limiter deterministically in tests.
type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time {
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.at = c.at.Add(d)
}

func newTestLimiter(p Policy) (*Limiter, *fakeClock) {
	clock := &fakeClock{at: time.Unix(1700000000, 0)}
	l := New(p)
	l.now = clock.now
	return l, clock
}

// TestQuotaWithinWindow tests that exactly N instantaneous calls succeed and
// the (N+1)th fails until the window has elapsed from the first acceptance.
func TestQuotaWithinWindow(t *testing.T) {
	t.Parallel()

	const quota = 5
	window := time.Minute

	l, clock := newTestLimiter(Policy{Calls: quota, Per: window})

	for i := 0; i < quota; i++ {
		if !l.Allow() {
			t.Fatalf("call %d rejected, want accepted", i+1)
		}
	}

	if l.Allow() {
		t.Error("call over quota accepted, want rejected")
	}

	// Just short of the window: still rejected.
	clock.advance(window - time.Millisecond)
	if l.Allow() {
		t.Error("call before window elapsed accepted, want rejected")
	}

	// Window elapsed from the first acceptance: accepted again.
	clock.advance(time.Millisecond)
	if !l.Allow() {
		t.Error("call after window elapsed rejected, want accepted")
	}
}

// TestRejectionsNotRecorded tests that rejected calls do not extend the
// window.
func TestRejectionsNotRecorded(t *testing.T) {
	t.Parallel()

	window := time.Minute
	l, clock := newTestLimiter(Policy{Calls: 1, Per: window})

	if !l.Allow() {
		t.Fatal("first call rejected, want accepted")
	}

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		if l.Allow() {
			t.Fatalf("call at +%ds accepted, want rejected", i+1)
		}
	}

	// 50 more seconds puts us past the window measured from the single
	// acceptance; the rejections above must not have pushed it out.
	clock.advance(50 * time.Second)
	if !l.Allow() {
		t.Error("call after window rejected; rejections were recorded")
	}
}

// TestSpacedCalls tests steady acceptance when calls stay above the window
// measured from the Nth-previous acceptance.
func TestSpacedCalls(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(Policy{Calls: 2, Per: time.Minute})

	if !l.Allow() {
		t.Fatal("call 1 rejected")
	}
	clock.advance(40 * time.Second)
	if !l.Allow() {
		t.Fatal("call 2 rejected")
	}
	clock.advance(40 * time.Second)
	// 80s since call 1, quota 2, window 60s: accepted.
	if !l.Allow() {
		t.Error("call 3 rejected, want accepted")
	}
	clock.advance(10 * time.Second)
	// 50s since call 2: rejected.
	if l.Allow() {
		t.Error("call 4 accepted, want rejected")
	}
}

// TestZeroQuota tests that a quota below one is clamped
func TestZeroQuota(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Policy{Calls: 0, Per: time.Minute})
	if !l.Allow() {
		t.Error("first call rejected with clamped quota")
	}
	if l.Allow() {
		t.Error("second call accepted with clamped quota")
	}
}
