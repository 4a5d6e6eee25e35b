package raft_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimblekv/raft/pkg/raft"
	"github.com/nimblekv/raft/pkg/simnet"
)

type nullLogger struct{}

func (nullLogger) Debug(int, string, ...interface{}) {}
func (nullLogger) Info(string, ...interface{})       {}
func (nullLogger) Error(string, ...interface{})      {}

type testCluster struct {
	t       *testing.T
	net     *simnet.Network
	nodes   map[raft.ServerId]*raft.Node
	cancel  context.CancelFunc
	logsMu  sync.Mutex
	logs    map[raft.ServerId][][]byte
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	cluster := make(raft.ServerSet, size)
	for i := 0; i < size; i++ {
		id := raft.ServerId(fmt.Sprintf("n%d", i))
		cluster[id] = raft.ServerData{LocalAddress: "sim", PublicAddress: "sim"}
	}

	tc := &testCluster{
		t:     t,
		net:   simnet.NewNetwork(),
		nodes: make(map[raft.ServerId]*raft.Node, size),
		logs:  make(map[raft.ServerId][][]byte, size),
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel

	for id := range cluster {
		id := id

		node, err := raft.NewNode(raft.NodeCfg{
			Id:            id,
			Cluster:       cluster,
			DataDirectory: t.TempDir(),
			Logger:        nullLogger{},
			Config: raft.Config{
				RPCProvider:       simnet.For(tc.net, id),
				ElectionTimeout:   40 * time.Millisecond,
				ElectionSplay:     40 * time.Millisecond,
				UpdateInterval:    5 * time.Millisecond,
				HeartbeatInterval: 15 * time.Millisecond,
			},
			CommitHandler: func(command []byte) {
				tc.logsMu.Lock()
				tc.logs[id] = append(tc.logs[id], command)
				tc.logsMu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("NewNode(%s): %v", id, err)
		}

		if err := node.Start(); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}

		tc.net.Register(id, node)
		tc.nodes[id] = node

		go node.Run(ctx)
	}

	t.Cleanup(func() {
		cancel()
		for _, node := range tc.nodes {
			node.Stop()
		}
	})

	return tc
}

// awaitLeader polls the cluster until exactly one node reports
// RoleLeader, or fails the test once timeout elapses.
func (tc *testCluster) awaitLeader(timeout time.Duration) *raft.Node {
	tc.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leaders []*raft.Node
		for _, node := range tc.nodes {
			if node.Role() == raft.RoleLeader {
				leaders = append(leaders, node)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(5 * time.Millisecond)
	}

	tc.t.Fatalf("no single leader emerged within %s", timeout)
	return nil
}

func (tc *testCluster) idOf(node *raft.Node) raft.ServerId {
	for id, n := range tc.nodes {
		if n == node {
			return id
		}
	}
	return ""
}

func (tc *testCluster) commitCount(id raft.ServerId) int {
	tc.logsMu.Lock()
	defer tc.logsMu.Unlock()
	return len(tc.logs[id])
}

func (tc *testCluster) awaitCommitCount(id raft.ServerId, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tc.commitCount(id) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestClusterElectsASingleLeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.awaitLeader(2 * time.Second)
}

func TestClusterReplicatesCommandToEveryNode(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := leader.HandleCommand(ctx, &raft.CommandRequest{Command: []byte("hello")})
	if !resp.Success {
		t.Fatalf("expected command to succeed")
	}

	for id := range tc.nodes {
		if !tc.awaitCommitCount(id, 1, time.Second) {
			t.Fatalf("node %s never committed the command", id)
		}
	}
}

func TestClusterElectsNewLeaderAfterPartition(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(2 * time.Second)
	leaderId := tc.idOf(leader)

	for id := range tc.nodes {
		if id != leaderId {
			tc.net.Cut(leaderId, id)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var newLeader *raft.Node
	for time.Now().Before(deadline) {
		for id, node := range tc.nodes {
			if id != leaderId && node.Role() == raft.RoleLeader {
				newLeader = node
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if newLeader == nil {
		t.Fatalf("no new leader elected after partitioning the old leader away")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := newLeader.HandleCommand(ctx, &raft.CommandRequest{Command: []byte("after-partition")})
	if !resp.Success {
		t.Fatalf("expected command against the new leader to succeed")
	}
}

func TestClusterCommandFailsWithoutQuorum(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader(2 * time.Second)
	leaderId := tc.idOf(leader)

	for id := range tc.nodes {
		if id != leaderId {
			tc.net.Cut(leaderId, id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	resp := leader.HandleCommand(ctx, &raft.CommandRequest{Command: []byte("stranded")})
	if resp.Success {
		t.Fatalf("expected command to fail while the leader is cut off from a quorum")
	}
}
