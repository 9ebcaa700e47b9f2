// Package ratelimit implements the per-endpoint sliding-window limiter: a
// fixed-size record of the last N acceptance timestamps. A call is accepted
// only if the Nth-previous acceptance is absent or outside the window.
// Rejections are never recorded.
package ratelimit

import (
	"sync"
	"time"
)

// Policy configures a limiter: at most Calls acceptances per Per window.
type Policy struct {
	Calls int
	Per   time.Duration
}

// Limiter is a sliding-window counter over acceptance timestamps. The buffer
// length is fixed at construction and never reallocated.
type Limiter struct {
	mu    sync.Mutex
	per   time.Duration
	calls []time.Time
	now   func() time.Time
}

// New creates a limiter for the given policy. A quota below one is treated
// as one.
func New(p Policy) *Limiter {
	quota := p.Calls
	if quota < 1 {
		quota = 1
	}
	return &Limiter{
		per:   p.Per,
		calls: make([]time.Time, quota),
		now:   time.Now,
	}
}

// Allow records and accepts the call if the oldest recorded acceptance is
// absent or older than the window, and rejects it otherwise.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.calls[0].IsZero() || now.Sub(l.calls[0]) >= l.per {
		copy(l.calls, l.calls[1:])
		l.calls[len(l.calls)-1] = now
		return true
	}
	return false
}
