package raft

import (
	"math/rand"
	"testing"
	"time"
)

func TestTimerTimedOut(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	timer := NewTimerWithClock(100*time.Millisecond, 0, rand.New(rand.NewSource(1)), clock)

	if timer.TimedOut() {
		t.Fatalf("timer reports timed out immediately after creation")
	}

	now = now.Add(50 * time.Millisecond)
	if timer.TimedOut() {
		t.Fatalf("timer reports timed out before its interval elapsed")
	}

	now = now.Add(60 * time.Millisecond)
	if !timer.TimedOut() {
		t.Fatalf("timer does not report timed out after its interval elapsed")
	}
}

func TestTimerReset(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	timer := NewTimerWithClock(100*time.Millisecond, 0, rand.New(rand.NewSource(1)), clock)

	now = now.Add(150 * time.Millisecond)
	if !timer.TimedOut() {
		t.Fatalf("expected timer to have timed out")
	}

	timer.Reset()
	if timer.TimedOut() {
		t.Fatalf("timer reports timed out immediately after reset")
	}
}

func TestTimerSplayBounded(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	timer := NewTimerWithClock(100*time.Millisecond, 50*time.Millisecond, rand.New(rand.NewSource(42)), clock)

	now = now.Add(99 * time.Millisecond)
	if timer.TimedOut() {
		t.Fatalf("timer timed out before the base interval could possibly elapse")
	}

	now = now.Add(51 * time.Millisecond)
	if !timer.TimedOut() {
		t.Fatalf("timer did not time out after interval + max splay elapsed")
	}
}
