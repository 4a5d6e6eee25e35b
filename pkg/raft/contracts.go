package raft

import "context"

// RequestVoteHandler is invoked once per RequestVote response as it
// arrives. Returning true is the authoritative signal to stop collecting
// further responses (either because a quorum decided the election, or
// because a higher term forced a step down).
type RequestVoteHandler func(peer ServerId, resp *RequestVoteResponse, err error) (terminate bool)

// AppendEntriesHandler is invoked once per broadcast AppendEntries
// response. There is no early-termination signal: heartbeats are not
// subject to quorum short-circuiting, every response updates per-peer
// replication bookkeeping independently.
type AppendEntriesHandler func(peer ServerId, resp *AppendEntriesResponse, err error)

// AppendEntriesResponseHandler is the single-peer variant used by the
// rewind retry loop.
type AppendEntriesResponseHandler func(resp *AppendEntriesResponse, err error)

// RPCProvider is the transport boundary: everything the Node needs from
// the network to run the protocol, without knowing how bytes actually
// move. Implementations are expected to tolerate arbitrary message loss;
// retries are timer-driven by the Node, never by the provider.
type RPCProvider interface {
	// RequestVotes broadcasts req to every member of cluster other than
	// the caller and delivers each response to handler as it arrives.
	RequestVotes(ctx context.Context, req *RequestVoteRequest, cluster ServerSet, handler RequestVoteHandler)

	// AppendEntries broadcasts req (typically a heartbeat) to every
	// member of cluster other than the caller.
	AppendEntries(ctx context.Context, req *AppendEntriesRequest, cluster ServerSet, handler AppendEntriesHandler)

	// AppendEntriesToFollower sends req to a single peer, used by the
	// rewind retry loop to catch up a lagging follower.
	AppendEntriesToFollower(ctx context.Context, req *AppendEntriesRequest, peer ServerId, handler AppendEntriesResponseHandler)

	// Command forwards a client command to the named peer (expected to
	// be the current leader) and waits for its response.
	Command(ctx context.Context, req *CommandRequest, peer ServerId) (*CommandResponse, error)
}

// AsyncProvider is the cooperative-suspension boundary: a way to block
// the calling goroutine until predicate() becomes true, while letting
// other Node operations (inbound RPC handlers, the update tick) observe
// and mutate state in the meantime.
type AsyncProvider interface {
	// Await blocks until predicate returns true or ctx is done, and
	// reports which of the two happened. Callers must hold whatever
	// lock guards the state predicate reads; a well-behaved
	// implementation releases it while actually parked and reacquires
	// it before returning, the same contract sync.Cond.Wait offers.
	Await(ctx context.Context, predicate func() bool) (ok bool)

	// Notify wakes any goroutine currently parked in Await so it can
	// re-evaluate its predicate. Called after any state mutation that
	// could satisfy a pending predicate.
	Notify()
}
