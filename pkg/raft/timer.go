package raft

import (
	"math/rand"
	"time"
)

// Timer is a scoped time source with a randomised deadline. It is not
// safe for concurrent use; callers serialize access the same way they
// serialize the rest of the Node state (via Node.mu).
//
// Generalised into a standalone reusable type so both the election
// timer (with splay) and the leader tick (without splay) share one
// implementation.
type Timer struct {
	interval time.Duration
	splay    time.Duration
	rand     *rand.Rand
	deadline time.Time
	now      func() time.Time
}

// NewTimer creates a Timer whose deadline is now + interval + a uniform
// jitter in [0, splay). A splay of zero yields a fixed-interval timer,
// used for the leader's heartbeat tick.
func NewTimer(interval, splay time.Duration, randGen *rand.Rand) *Timer {
	return NewTimerWithClock(interval, splay, randGen, time.Now)
}

// NewTimerWithClock is NewTimer with an injectable clock, used by the
// timer tests to drive timers with a fake clock instead of wall time.
func NewTimerWithClock(interval, splay time.Duration, randGen *rand.Rand, now func() time.Time) *Timer {
	t := &Timer{
		interval: interval,
		splay:    splay,
		rand:     randGen,
		now:      now,
	}
	t.Reset()
	return t
}

// Reset arms the timer for interval + uniform(0, splay) from now.
func (t *Timer) Reset() {
	t.deadline = t.now().Add(t.interval).Add(t.jitter())
}

// TimedOut reports whether the deadline has passed.
func (t *Timer) TimedOut() bool {
	return !t.now().Before(t.deadline)
}

func (t *Timer) jitter() time.Duration {
	if t.splay <= 0 {
		return 0
	}
	return time.Duration(t.rand.Int63n(int64(t.splay)))
}
