package raft

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// NodeCfg configures a Node, generalised to pluggable RPC/Async
// collaborators instead of a fixed HTTP transport.
type NodeCfg struct {
	Id      ServerId
	Cluster ServerSet

	DataDirectory string

	Logger Logger

	Config Config

	// CommitHandler receives each command in commit order, exactly once.
	// It must be total: an error or panic inside it is out of scope and
	// will propagate to the caller of the tick or handler that triggered
	// the commit.
	CommitHandler func(command []byte)
}

// Node is a single Raft participant: role transitions, the election
// protocol, log replication, and commit tracking. It owns no goroutines
// of its own beyond what Run starts; inbound RPCs are expected to call
// its Handle* methods directly from whatever goroutine the RPCProvider's
// server side runs on.
type Node struct {
	id      ServerId
	cluster ServerSet
	config  Config
	logger  Logger

	commitHandler func([]byte)

	persistentStore *PersistentStore
	log             *LogStore

	mu            sync.Mutex
	role          Role
	currentTerm   Term
	votedFor      ServerId
	commitIndex   *LogIndex
	leaderId      ServerId
	leadership    *LeadershipState
	electionTimer *Timer

	randGen       *rand.Rand
	asyncProvider AsyncProvider
	rpcProvider   RPCProvider

	updating int32
}

// NewNode constructs a Node in RoleFollower with an empty log and term
// zero; call Start to load persistent state from disk before serving
// traffic.
func NewNode(cfg NodeCfg) (*Node, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty node id")
	}
	if _, found := cfg.Cluster[cfg.Id]; !found {
		return nil, fmt.Errorf("node id %q not present in cluster", cfg.Id)
	}
	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.Config.RPCProvider == nil {
		return nil, fmt.Errorf("missing rpc provider")
	}
	if cfg.CommitHandler == nil {
		return nil, fmt.Errorf("missing commit handler")
	}

	cfg.Config.setDefaults()

	nodeDir := path.Join(cfg.DataDirectory, string(cfg.Id))
	if err := os.MkdirAll(nodeDir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", nodeDir, err)
	}

	n := &Node{
		id:            cfg.Id,
		cluster:       cfg.Cluster,
		config:        cfg.Config,
		logger:        cfg.Logger,
		commitHandler: cfg.CommitHandler,

		persistentStore: NewPersistentStore(path.Join(nodeDir, "state.json")),
		log:             NewLogStore(path.Join(nodeDir, "log.jsonl")),

		role:        RoleFollower,
		rpcProvider: cfg.Config.RPCProvider,

		randGen: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if cfg.Config.AsyncProvider != nil {
		n.asyncProvider = cfg.Config.AsyncProvider
	} else {
		n.asyncProvider = NewCondAsyncProvider(&n.mu)
	}

	return n, nil
}

// Start loads durable state from disk and arms the election timer. The
// Node is ready to serve Handle* calls once Start returns.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.persistentStore.Open(); err != nil {
		return fmt.Errorf("cannot open persistent store: %w", err)
	}
	var pstate PersistentState
	if err := n.persistentStore.Read(&pstate); err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}
	n.currentTerm = pstate.CurrentTerm
	n.votedFor = pstate.VotedFor

	if err := n.log.Open(); err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	n.logger.Debug(1, "starting as follower at term %d (voted for %q, %d log entries)",
		n.currentTerm, n.votedFor, n.log.Size())

	n.electionTimer = NewTimer(n.config.ElectionTimeout, n.config.ElectionSplay, n.randGen)

	return nil
}

// Stop releases the on-disk stores. It does not stop any Run loop the
// embedder started; cancel that loop's context first.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.log.Close()
	n.persistentStore.Close()
}

// Run calls Update on the configured UpdateInterval until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// tick wraps a single Update call so that a panic deep in the RPC
// handling paths logs a trace and gets absorbed instead of taking down
// the goroutine driving the Node's ticker loop.
func (n *Node) tick(ctx context.Context) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.logger.Error("panic during update: %s\n%s", msg, trace)
		}
	}()

	n.Update(ctx)
}

// Role, CurrentTerm, CommitIndex and LeaderID are the Node-embedder
// read-only accessors for a Node's current state.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) CurrentTerm() Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) CommitIndex() *LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.commitIndex == nil {
		return nil
	}
	idx := *n.commitIndex
	return &idx
}

func (n *Node) LeaderID() ServerId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderId
}

func (n *Node) LogSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.Size()
}

func (n *Node) quorum() int {
	return n.cluster.Quorum()
}

// ---- role driver ----

// Update is non-reentrant: a concurrent second call while one is already
// running is a no-op.
func (n *Node) Update(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&n.updating, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&n.updating, 0)

	n.mu.Lock()
	role := n.role
	electionExpired := n.electionTimer.TimedOut()
	var leaderTickExpired bool
	if role == RoleLeader && n.leadership != nil {
		leaderTickExpired = n.leadership.TickTimer.TimedOut()
	}
	n.mu.Unlock()

	switch role {
	case RoleFollower:
		if electionExpired {
			n.mu.Lock()
			if n.role == RoleFollower {
				n.role = RoleCandidate
			}
			n.mu.Unlock()
			n.startElection(ctx)
		}

	case RoleCandidate:
		if electionExpired {
			n.startElection(ctx)
		}

	case RoleLeader:
		if leaderTickExpired {
			n.mu.Lock()
			if n.role == RoleLeader && n.leadership != nil {
				n.leadership.TickTimer.Reset()
			}
			n.mu.Unlock()

			n.sendHeartbeats(ctx)

			n.mu.Lock()
			n.recomputeCommitIndexLocked()
			n.mu.Unlock()
		}
	}
}

// ---- election ----

func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	if n.role != RoleCandidate {
		n.mu.Unlock()
		return
	}

	n.currentTerm++
	n.votedFor = n.id
	if err := n.persistLocked(); err != nil {
		n.logger.Error("cannot persist state before starting election: %v", err)
		n.mu.Unlock()
		return
	}
	n.electionTimer.Reset()

	term := n.currentTerm
	lastIndex, lastTerm := n.lastLogIndexTermLocked()
	req := &RequestVoteRequest{
		Term:         term,
		CandidateId:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	cluster := n.cluster
	quorum := n.quorum()

	n.logger.Debug(1, "starting election for term %d", term)
	n.mu.Unlock()

	votesFor := 1 // self-vote
	votesAgainst := 0

	n.rpcProvider.RequestVotes(ctx, req, cluster, func(peer ServerId, resp *RequestVoteResponse, err error) bool {
		if err != nil {
			n.logger.Debug(2, "vote request to %s failed: %v", peer, err)
			return false
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		if n.currentTerm != term {
			// Our term has moved on since we issued the request; the
			// response is stale, ignore it.
			return true
		}

		if resp.Term > n.currentTerm {
			n.stepDownIfNewTermLocked(resp.Term)
			return true
		}

		if resp.VoteGranted {
			votesFor++
			if votesFor >= quorum {
				n.becomeLeaderLocked(ctx)
				return true
			}
		} else {
			votesAgainst++
			if votesAgainst >= quorum {
				return true
			}
		}

		return false
	})
}

// becomeLeaderLocked must be called with n.mu held and n.role ==
// RoleCandidate; it transitions to RoleLeader, builds a fresh
// LeadershipState and fires the initial heartbeat.
func (n *Node) becomeLeaderLocked(ctx context.Context) {
	if n.role != RoleCandidate {
		return
	}

	n.role = RoleLeader
	n.leaderId = n.id

	lastIndex, _ := n.lastLogIndexTermLocked()
	nextIndex := LogIndex(0)
	if lastIndex != nil {
		nextIndex = *lastIndex + 1
	}

	followers := make(map[ServerId]*FollowerState, len(n.cluster)-1)
	for id := range n.cluster {
		if id == n.id {
			continue
		}
		followers[id] = &FollowerState{NextIndex: nextIndex, Succeeded: false}
	}

	n.leadership = &LeadershipState{
		TickTimer: NewTimer(n.config.HeartbeatInterval, 0, n.randGen),
		Followers: followers,
	}

	n.logger.Info("elected leader for term %d", n.currentTerm)
	n.notifyLocked()

	n.mu.Unlock()
	n.sendHeartbeats(ctx)
	n.mu.Lock()
}

// ---- heartbeat and replication ----

func (n *Node) sendHeartbeats(ctx context.Context) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}

	term := n.currentTerm
	lastIndex, lastTerm := n.lastLogIndexTermLocked()
	commitIndex := n.commitIndex
	cluster := n.cluster
	n.mu.Unlock()

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderId:     n.id,
		PrevLogIndex: lastIndex,
		PrevLogTerm:  lastTerm,
		Entries:      nil,
		CommitIndex:  commitIndex,
	}

	n.rpcProvider.AppendEntries(ctx, req, cluster, func(peer ServerId, resp *AppendEntriesResponse, err error) {
		if err != nil {
			n.logger.Debug(2, "heartbeat to %s failed: %v", peer, err)
			return
		}
		n.handleAppendEntriesResponse(ctx, peer, req, resp)
	})
}

func (n *Node) handleAppendEntriesResponse(ctx context.Context, peer ServerId, req *AppendEntriesRequest, resp *AppendEntriesResponse) {
	n.mu.Lock()

	if n.role != RoleLeader || n.leadership == nil {
		n.mu.Unlock()
		return
	}

	if resp.Term > n.currentTerm {
		n.stepDownIfNewTermLocked(resp.Term)
		n.mu.Unlock()
		return
	}

	fs, ok := n.leadership.Followers[peer]
	if !ok {
		n.mu.Unlock()
		return
	}

	if resp.Success {
		fs.NextIndex = LogIndex(indexOrSentinel(req.PrevLogIndex) + int64(len(req.Entries)) + 1)
		fs.Succeeded = true
		n.mu.Unlock()
		return
	}

	n.mu.Unlock()
	n.rewindAndRetry(ctx, peer, req)
}

// rewindAndRetry implements the single-step rewind retry as a loop
// rather than recursion, to keep an unbounded string of rejections from
// growing the call stack.
func (n *Node) rewindAndRetry(ctx context.Context, peer ServerId, lastReq *AppendEntriesRequest) {
	req := lastReq

	for {
		n.mu.Lock()
		if n.role != RoleLeader || n.leadership == nil {
			n.mu.Unlock()
			return
		}

		var newPrevIndex *LogIndex
		if req.PrevLogIndex != nil && *req.PrevLogIndex > 0 {
			idx := *req.PrevLogIndex - 1
			newPrevIndex = &idx
		}

		var newPrevTerm *Term
		var entries []LogEntry
		if newPrevIndex != nil {
			entry, ok := n.log.Get(*newPrevIndex)
			if !ok {
				n.mu.Unlock()
				return
			}
			newPrevTerm = termPtr(entry.Term)
			entries = n.log.Slice(*newPrevIndex + 1)
		} else {
			entries = n.log.Slice(0)
		}

		term := n.currentTerm
		commitIndex := n.commitIndex
		n.mu.Unlock()

		newReq := &AppendEntriesRequest{
			Term:         term,
			LeaderId:     n.id,
			PrevLogIndex: newPrevIndex,
			PrevLogTerm:  newPrevTerm,
			Entries:      entries,
			CommitIndex:  commitIndex,
		}

		respCh := make(chan *AppendEntriesResponse, 1)
		n.rpcProvider.AppendEntriesToFollower(ctx, newReq, peer, func(resp *AppendEntriesResponse, err error) {
			if err != nil {
				n.logger.Debug(2, "append entries retry to %s failed: %v", peer, err)
				respCh <- nil
				return
			}
			respCh <- resp
		})

		var resp *AppendEntriesResponse
		select {
		case <-ctx.Done():
			return
		case resp = <-respCh:
		}
		if resp == nil {
			return
		}

		n.mu.Lock()
		if n.role != RoleLeader || n.leadership == nil {
			n.mu.Unlock()
			return
		}
		if resp.Term > n.currentTerm {
			n.stepDownIfNewTermLocked(resp.Term)
			n.mu.Unlock()
			return
		}
		fs, ok := n.leadership.Followers[peer]
		if !ok {
			n.mu.Unlock()
			return
		}
		if resp.Success {
			fs.NextIndex = LogIndex(indexOrSentinel(newReq.PrevLogIndex) + int64(len(newReq.Entries)) + 1)
			fs.Succeeded = true
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		req = newReq
	}
}

// recomputeCommitIndexLocked implements the leader commit-advancement
// rule: the new commit index is the highest index replicated
// on at least a quorum of nodes, self included.
func (n *Node) recomputeCommitIndexLocked() {
	if n.role != RoleLeader || n.leadership == nil {
		return
	}

	matched := make([]int64, 0, len(n.leadership.Followers))
	for _, fs := range n.leadership.Followers {
		if fs.Succeeded {
			matched = append(matched, int64(fs.NextIndex)-1)
		}
	}

	var newCommit int64 = -1

	if len(n.leadership.Followers) == 0 {
		// Single-node cluster: the leader alone is a quorum.
		newCommit = int64(n.log.Size()) - 1
	} else {
		sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
		needed := n.quorum() - 1
		pos := len(matched) - needed
		if pos >= 0 && pos < len(matched) {
			newCommit = matched[pos]
		} else if n.commitIndex != nil {
			newCommit = int64(*n.commitIndex)
		}
	}

	if newCommit >= 0 {
		idx := LogIndex(newCommit)
		n.handleCommitsLocked(&idx)
	}
}

// ---- commit application ----

func (n *Node) handleCommitsLocked(newCommit *LogIndex) {
	if newCommit == nil {
		return
	}
	if n.commitIndex != nil && *newCommit == *n.commitIndex {
		return
	}

	var next LogIndex
	if n.commitIndex != nil {
		next = *n.commitIndex + 1
	}

	for next <= *newCommit {
		entry, ok := n.log.Get(next)
		if !ok {
			break
		}
		n.commitHandler(entry.Command)
		idx := next
		n.commitIndex = &idx
		next++
	}

	n.notifyLocked()
}

// ---- handle_request_vote ----

func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	if req.Term > n.currentTerm {
		n.leaderId = ""
		n.stepDownIfNewTermLocked(req.Term)
	}

	if n.role != RoleFollower {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	granted := false

	switch {
	case n.votedFor != "" && n.votedFor == req.CandidateId:
		granted = true

	case n.votedFor == "":
		last, hasLast := n.log.Last()
		if !hasLast {
			granted = true
		} else {
			reject := false
			if req.LastLogTerm != nil && *req.LastLogTerm == last.Term &&
				indexOrSentinel(req.LastLogIndex) < int64(last.Index) {
				reject = true
			}
			if termOrSentinel(req.LastLogTerm) < int64(last.Term) {
				reject = true
			}
			granted = !reject
		}
	}

	if granted {
		n.votedFor = req.CandidateId
		if err := n.persistLocked(); err != nil {
			n.logger.Error("cannot persist vote: %v", err)
			return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
		}
		n.electionTimer.Reset()
	}

	return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: granted}
}

// ---- handle_append_entries ----

func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	if req.Term > n.currentTerm {
		n.stepDownIfNewTermLocked(req.Term)
	} else if n.role != RoleFollower {
		// A leader exists for our own term: a candidate that lost the
		// election, or (in principle) another leader, steps down.
		n.role = RoleFollower
		n.leadership = nil
	}

	n.electionTimer.Reset()
	n.leaderId = req.LeaderId
	n.notifyLocked()

	abs, matched := n.resolvePrevMatchLocked(req.PrevLogIndex, req.PrevLogTerm)
	if !matched {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	if n.commitIndex != nil {
		if abs == nil || *abs < *n.commitIndex {
			return nil, fatalf(
				"append entries from %s would truncate committed log (would-be prefix ends at %v, commit index %d)",
				req.LeaderId, abs, *n.commitIndex)
		}
	}

	var truncErr error
	if abs == nil {
		truncErr = n.log.Clear()
	} else {
		truncErr = n.log.TruncateAfter(*abs)
	}
	if truncErr != nil {
		n.logger.Error("cannot truncate log: %v", truncErr)
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	if len(req.Entries) > 0 {
		if err := n.log.Append(req.Entries...); err != nil {
			n.logger.Error("cannot append log entries: %v", err)
			return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
		}
	}

	if req.CommitIndex != nil {
		if n.commitIndex == nil || *req.CommitIndex >= *n.commitIndex {
			n.handleCommitsLocked(req.CommitIndex)
		}
	}

	return &AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// resolvePrevMatchLocked finds the log position matching
// (prevIndex, prevTerm), returning it and true, or (nil, false) if the
// two are non-nil but no such position exists (a log gap). A nil,nil
// input pair always matches, representing "before the first entry".
func (n *Node) resolvePrevMatchLocked(prevIndex *LogIndex, prevTerm *Term) (*LogIndex, bool) {
	if prevIndex == nil && prevTerm == nil {
		return nil, true
	}
	if prevIndex == nil || prevTerm == nil {
		return nil, false
	}
	entry, ok := n.log.Get(*prevIndex)
	if !ok || entry.Term != *prevTerm {
		return nil, false
	}
	return prevIndex, true
}

// ---- handle_command ----

func (n *Node) HandleCommand(ctx context.Context, req *CommandRequest) *CommandResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handleCommandLocked(ctx, req)
}

func (n *Node) handleCommandLocked(ctx context.Context, req *CommandRequest) *CommandResponse {
	switch n.role {
	case RoleFollower:
		ok := n.asyncProvider.Await(ctx, func() bool { return n.leaderId != "" })
		if !ok {
			return &CommandResponse{Success: false}
		}
		if n.role == RoleLeader {
			return n.handleCommandLocked(ctx, req)
		}
		leaderId := n.leaderId
		n.mu.Unlock()
		resp, err := n.rpcProvider.Command(ctx, req, leaderId)
		n.mu.Lock()
		if err != nil || resp == nil {
			// A failed forward reports CommandResponse{false} rather than
			// surfacing the transport error to the caller.
			return &CommandResponse{Success: false}
		}
		return resp

	case RoleCandidate:
		ok := n.asyncProvider.Await(ctx, func() bool {
			return n.role != RoleCandidate && n.leaderId != ""
		})
		if !ok {
			return &CommandResponse{Success: false}
		}
		return n.handleCommandLocked(ctx, req)

	case RoleLeader:
		lastIndex, _ := n.lastLogIndexTermLocked()
		var newIndex LogIndex
		if lastIndex != nil {
			newIndex = *lastIndex + 1
		}
		entry := LogEntry{Term: n.currentTerm, Index: newIndex, Command: req.Command}
		if err := n.log.Append(entry); err != nil {
			n.logger.Error("cannot append command to log: %v", err)
			return &CommandResponse{Success: false}
		}
		n.notifyLocked()

		termAtAppend := entry.Term
		ok := n.asyncProvider.Await(ctx, func() bool {
			return n.commitIndex != nil && *n.commitIndex >= newIndex
		})
		if !ok {
			return &CommandResponse{Success: false}
		}

		cur, exists := n.log.Get(newIndex)
		if !exists || cur.Term != termAtAppend {
			// A later leader overwrote this slot before it committed;
			// the caller is expected to re-submit.
			return &CommandResponse{Success: false}
		}
		return &CommandResponse{Success: true}
	}

	return &CommandResponse{Success: false}
}

// ---- step_down_if_new_term and shared locked helpers ----

// stepDownIfNewTermLocked must be called with n.mu held.
func (n *Node) stepDownIfNewTermLocked(t Term) bool {
	if t <= n.currentTerm {
		return false
	}

	n.currentTerm = t
	n.votedFor = ""
	wasLeader := n.role == RoleLeader
	n.role = RoleFollower

	if wasLeader {
		n.leadership = nil
	}

	if err := n.persistLocked(); err != nil {
		n.logger.Error("cannot persist state on step down: %v", err)
	}

	n.electionTimer.Reset()
	n.notifyLocked()

	return true
}

func (n *Node) persistLocked() error {
	return n.persistentStore.Write(PersistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
	})
}

func (n *Node) lastLogIndexTermLocked() (*LogIndex, *Term) {
	last, ok := n.log.Last()
	if !ok {
		return nil, nil
	}
	return idxPtr(last.Index), termPtr(last.Term)
}

func (n *Node) notifyLocked() {
	n.asyncProvider.Notify()
}
