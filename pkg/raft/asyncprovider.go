package raft

import (
	"context"
	"sync"
)

// CondAsyncProvider is the default AsyncProvider, backed by a
// sync.Cond sharing the caller's own lock. Grounded in the sync.Cond
// field seen on the leader-commit bookkeeping of the pack's
// cjeva10-raft example, generalised here into a reusable predicate-wait
// primitive shared by every suspension point in Node.
type CondAsyncProvider struct {
	cond *sync.Cond
}

// NewCondAsyncProvider builds a provider whose Wait/Broadcast pair is
// tied to l. The Node passes its own mutex here so that Await can be
// called while that mutex is held: the condition variable releases it
// while parked and reacquires it before returning, exactly like
// sync.Cond.Wait.
func NewCondAsyncProvider(l sync.Locker) *CondAsyncProvider {
	return &CondAsyncProvider{cond: sync.NewCond(l)}
}

func (p *CondAsyncProvider) Await(ctx context.Context, predicate func() bool) bool {
	if predicate() {
		return true
	}

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			// Wake every parked waiter so each can notice its context
			// is done and give up; this one included.
			p.cond.Broadcast()
		case <-stop:
		}
	}()

	for !predicate() {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		p.cond.Wait()
	}

	return true
}

func (p *CondAsyncProvider) Notify() {
	p.cond.Broadcast()
}
