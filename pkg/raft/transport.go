package raft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPTransport is the default RPCProvider: synchronous JSON-over-HTTP
// request/response, one HTTP request per call. A Node needs an actual
// answer to advance an election or a replication attempt, so each peer
// gets one round trip rather than a pair of independent one-way POSTs.
// Concurrent fan-out to the cluster uses errgroup, so that RequestVotes
// can cancel in-flight requests as soon as a quorum decides the
// election.
type HTTPTransport struct {
	id      ServerId
	cluster ServerSet
	logger  Logger
	client  *http.Client

	mu   sync.RWMutex
	node *Node
}

func NewHTTPTransport(id ServerId, cluster ServerSet, logger Logger) *HTTPTransport {
	return &HTTPTransport{
		id:      id,
		cluster: cluster,
		logger:  logger,
		client:  newHTTPClient(),
	}
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   2 * time.Second,
		Transport: &transport,
	}
}

// BindNode attaches the Node whose Handle* methods answer inbound RPCs.
// Must be called before the transport starts serving HTTP traffic; a
// Node cannot be passed to NewHTTPTransport directly since a Node's own
// constructor requires an RPCProvider.
func (t *HTTPTransport) BindNode(n *Node) {
	t.mu.Lock()
	t.node = n
	t.mu.Unlock()
}

func (t *HTTPTransport) boundNode() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node
}

// RequestVotes fans a RequestVote RPC out to every other cluster member
// concurrently and delivers each response to handler as it arrives. If
// handler reports a quorum decision, the shared context is cancelled so
// still-pending requests to the remaining peers are abandoned.
func (t *HTTPTransport) RequestVotes(ctx context.Context, req *RequestVoteRequest, cluster ServerSet, handler RequestVoteHandler) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group

	for id, data := range cluster {
		if id == t.id {
			continue
		}
		id, data := id, data

		g.Go(func() error {
			resp, err := t.doRequestVote(gctx, data, req)
			if handler(id, resp, err) {
				cancel()
			}
			return nil
		})
	}

	g.Wait()
}

// AppendEntries fans an AppendEntries RPC (typically a heartbeat) out to
// every other cluster member concurrently. There is no cancellation:
// every peer's response is bookkept independently.
func (t *HTTPTransport) AppendEntries(ctx context.Context, req *AppendEntriesRequest, cluster ServerSet, handler AppendEntriesHandler) {
	var g errgroup.Group

	for id, data := range cluster {
		if id == t.id {
			continue
		}
		id, data := id, data

		g.Go(func() error {
			resp, err := t.doAppendEntries(ctx, data, req)
			handler(id, resp, err)
			return nil
		})
	}

	g.Wait()
}

// AppendEntriesToFollower sends req to a single peer without blocking
// the caller; handler runs on a background goroutine once the response
// (or a failure) is available.
func (t *HTTPTransport) AppendEntriesToFollower(ctx context.Context, req *AppendEntriesRequest, peer ServerId, handler AppendEntriesResponseHandler) {
	data, found := t.cluster[peer]
	if !found {
		go handler(nil, fmt.Errorf("unknown peer %q", peer))
		return
	}

	go func() {
		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.logger.Error("panic while sending append entries to %s: %s\n%s", peer, msg, trace)
			}
		}()

		resp, err := t.doAppendEntries(ctx, data, req)
		handler(resp, err)
	}()
}

// Command forwards req to peer and blocks for its response.
func (t *HTTPTransport) Command(ctx context.Context, req *CommandRequest, peer ServerId) (*CommandResponse, error) {
	data, found := t.cluster[peer]
	if !found {
		return nil, fmt.Errorf("unknown peer %q", peer)
	}

	msg, err := t.doRequest(ctx, data, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*CommandResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to command request", msg)
	}
	return resp, nil
}

func (t *HTTPTransport) doRequestVote(ctx context.Context, peer ServerData, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	msg, err := t.doRequest(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*RequestVoteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to vote request", msg)
	}
	return resp, nil
}

func (t *HTTPTransport) doAppendEntries(ctx context.Context, peer ServerData, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	msg, err := t.doRequest(ctx, peer, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*AppendEntriesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T to append entries request", msg)
	}
	return resp, nil
}

func (t *HTTPTransport) doRequest(ctx context.Context, peer ServerData, msg RPCMsg) (RPCMsg, error) {
	body, err := EncodeRPCMsg(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{Scheme: "http", Host: string(peer.PublicAddress), Path: "/raft"}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", uri.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot create http request: %w", err)
	}
	httpReq.Header.Set("X-Raft-Source-Id", string(t.id))
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		text := strings.TrimSpace(string(respBody))
		return nil, fmt.Errorf("request to %s failed with status %d: %s", peer.PublicAddress, res.StatusCode, text)
	}

	return DecodeRPCMsg(respBody)
}

// ServeHTTP handles inbound Raft RPCs, decoding the envelope and
// dispatching to the bound Node. Embedders mount this at a path of
// their choosing (SPEC_FULL's cmd/raftkv mounts it at /raft) alongside
// their own application routes.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	node := t.boundNode()
	if node == nil {
		http.Error(w, "node not ready", http.StatusServiceUnavailable)
		return
	}

	if r.Header.Get("X-Raft-Source-Id") == "" {
		http.Error(w, "missing or empty X-Raft-Source-Id header field", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot read request body: %v", err), http.StatusInternalServerError)
		return
	}

	msg, err := DecodeRPCMsg(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}

	var reply RPCMsg

	switch m := msg.(type) {
	case *RequestVoteRequest:
		reply = node.HandleRequestVote(m)

	case *AppendEntriesRequest:
		resp, err := node.HandleAppendEntries(m)
		if err != nil {
			t.logger.Error("append entries handler failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reply = resp

	case *CommandRequest:
		reply = node.HandleCommand(r.Context(), m)

	default:
		http.Error(w, fmt.Sprintf("unexpected message type %T", msg), http.StatusBadRequest)
		return
	}

	data, err := EncodeRPCMsg(reply)
	if err != nil {
		t.logger.Error("cannot encode reply: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
