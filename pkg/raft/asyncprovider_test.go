package raft

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCondAsyncProviderAwaitTrueImmediately(t *testing.T) {
	var mu sync.Mutex
	p := NewCondAsyncProvider(&mu)

	mu.Lock()
	ok := p.Await(context.Background(), func() bool { return true })
	mu.Unlock()

	if !ok {
		t.Fatalf("expected Await to return true for an already-satisfied predicate")
	}
}

func TestCondAsyncProviderNotifyWakesWaiter(t *testing.T) {
	var mu sync.Mutex
	p := NewCondAsyncProvider(&mu)

	ready := false
	done := make(chan bool, 1)

	go func() {
		mu.Lock()
		ok := p.Await(context.Background(), func() bool { return ready })
		mu.Unlock()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	ready = true
	mu.Unlock()
	p.Notify()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("expected Await to succeed once the predicate became true")
		}
	case <-time.After(time.Second):
		t.Fatalf("Await never returned after Notify")
	}
}

func TestCondAsyncProviderAwaitCancelled(t *testing.T) {
	var mu sync.Mutex
	p := NewCondAsyncProvider(&mu)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)

	go func() {
		mu.Lock()
		ok := p.Await(ctx, func() bool { return false })
		mu.Unlock()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Await to return false once ctx was cancelled")
		}
	case <-time.After(time.Second):
		t.Fatalf("Await never returned after cancellation")
	}
}
