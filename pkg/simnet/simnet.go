// Package simnet is an in-process RPCProvider used to run and test a
// cluster of raft.Node values within a single test binary, without
// touching a real network. Implements the same response-handler
// callback shape as raft.RPCProvider instead of a request/reply method
// pair.
package simnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimblekv/raft/pkg/raft"
)

// Network is a shared registry of nodes plus a partition matrix. Each
// node in the simulation gets its own *Peer, constructed with For, to
// use as its raft.Config.RPCProvider.
type Network struct {
	mu      sync.RWMutex
	nodes   map[raft.ServerId]*raft.Node
	cut     map[[2]raft.ServerId]bool
	latency time.Duration
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[raft.ServerId]*raft.Node),
		cut:   make(map[[2]raft.ServerId]bool),
	}
}

// SetLatency adds a fixed delay to every simulated call, useful for
// exercising timeout-driven retry paths deterministically.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// Register makes node reachable under id. Call once per node, before
// starting the cluster.
func (n *Network) Register(id raft.ServerId, node *raft.Node) {
	n.mu.Lock()
	n.nodes[id] = node
	n.mu.Unlock()
}

// Cut drops every message between a and b in both directions until
// Heal is called, simulating a network partition.
func (n *Network) Cut(a, b raft.ServerId) {
	n.mu.Lock()
	n.cut[[2]raft.ServerId{a, b}] = true
	n.cut[[2]raft.ServerId{b, a}] = true
	n.mu.Unlock()
}

func (n *Network) Heal(a, b raft.ServerId) {
	n.mu.Lock()
	delete(n.cut, [2]raft.ServerId{a, b})
	delete(n.cut, [2]raft.ServerId{b, a})
	n.mu.Unlock()
}

func (n *Network) HealAll() {
	n.mu.Lock()
	n.cut = make(map[[2]raft.ServerId]bool)
	n.mu.Unlock()
}

func (n *Network) reachable(from, to raft.ServerId) (*raft.Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.cut[[2]raft.ServerId{from, to}] {
		return nil, false
	}
	node, found := n.nodes[to]
	return node, found
}

func (n *Network) delay() {
	n.mu.RLock()
	d := n.latency
	n.mu.RUnlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// Peer is the raft.RPCProvider a single simulated node uses to reach
// the rest of the Network.
type Peer struct {
	net *Network
	id  raft.ServerId
}

// For returns id's view of net, to be assigned as that node's
// raft.Config.RPCProvider.
func For(net *Network, id raft.ServerId) *Peer {
	return &Peer{net: net, id: id}
}

func (p *Peer) RequestVotes(ctx context.Context, req *raft.RequestVoteRequest, cluster raft.ServerSet, handler raft.RequestVoteHandler) {
	var wg sync.WaitGroup
	for peer := range cluster {
		if peer == p.id {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.call(ctx, peer, func(n *raft.Node) interface{} {
				return n.HandleRequestVote(req)
			})
			if err != nil {
				handler(peer, nil, err)
				return
			}
			handler(peer, resp.(*raft.RequestVoteResponse), nil)
		}()
	}
	wg.Wait()
}

func (p *Peer) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest, cluster raft.ServerSet, handler raft.AppendEntriesHandler) {
	var wg sync.WaitGroup
	for peer := range cluster {
		if peer == p.id {
			continue
		}
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.appendEntries(ctx, peer, req)
			handler(peer, resp, err)
		}()
	}
	wg.Wait()
}

func (p *Peer) AppendEntriesToFollower(ctx context.Context, req *raft.AppendEntriesRequest, peer raft.ServerId, handler raft.AppendEntriesResponseHandler) {
	go func() {
		resp, err := p.appendEntries(ctx, peer, req)
		handler(resp, err)
	}()
}

func (p *Peer) Command(ctx context.Context, req *raft.CommandRequest, peer raft.ServerId) (*raft.CommandResponse, error) {
	resp, err := p.call(ctx, peer, func(n *raft.Node) interface{} {
		return n.HandleCommand(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return resp.(*raft.CommandResponse), nil
}

func (p *Peer) appendEntries(ctx context.Context, peer raft.ServerId, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	var handlerErr error
	resp, err := p.call(ctx, peer, func(n *raft.Node) interface{} {
		r, err := n.HandleAppendEntries(req)
		handlerErr = err
		return r
	})
	if err != nil {
		return nil, err
	}
	if handlerErr != nil {
		return nil, handlerErr
	}
	if resp == nil {
		return nil, nil
	}
	return resp.(*raft.AppendEntriesResponse), nil
}

func (p *Peer) call(ctx context.Context, peer raft.ServerId, fn func(*raft.Node) interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	node, ok := p.net.reachable(p.id, peer)
	if !ok {
		return nil, fmt.Errorf("%s unreachable from %s", peer, p.id)
	}

	p.net.delay()

	return fn(node), nil
}
