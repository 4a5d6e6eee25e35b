package raft

import "testing"

func TestEncodeDecodeRPCMsgRoundTrip(t *testing.T) {
	idx := LogIndex(4)
	term := Term(2)

	cases := []RPCMsg{
		&RequestVoteRequest{Term: 3, CandidateId: "a", LastLogIndex: &idx, LastLogTerm: &term},
		&RequestVoteResponse{Term: 3, VoteGranted: true},
		&AppendEntriesRequest{
			Term: 3, LeaderId: "a", PrevLogIndex: &idx, PrevLogTerm: &term,
			Entries:     []LogEntry{{Term: 3, Index: 5, Command: []byte("x")}},
			CommitIndex: &idx,
		},
		&AppendEntriesResponse{Term: 3, Success: false},
		&CommandRequest{Command: []byte("put a b")},
		&CommandResponse{Success: true},
	}

	for _, msg := range cases {
		data, err := EncodeRPCMsg(msg)
		if err != nil {
			t.Fatalf("EncodeRPCMsg(%v): %v", msg, err)
		}

		decoded, err := DecodeRPCMsg(data)
		if err != nil {
			t.Fatalf("DecodeRPCMsg(%s): %v", data, err)
		}

		if decoded.GetType() != msg.GetType() {
			t.Fatalf("got type %q, want %q", decoded.GetType(), msg.GetType())
		}
	}
}

func TestDecodeRPCMsgUnknownType(t *testing.T) {
	_, err := DecodeRPCMsg([]byte(`{"type":"bogus","value":{}}`))
	if err == nil {
		t.Fatalf("expected an error decoding an unknown message type")
	}
}

func TestRequestVoteRequestWithNilLog(t *testing.T) {
	req := &RequestVoteRequest{Term: 1, CandidateId: "a"}

	data, err := EncodeRPCMsg(req)
	if err != nil {
		t.Fatalf("EncodeRPCMsg: %v", err)
	}

	decoded, err := DecodeRPCMsg(data)
	if err != nil {
		t.Fatalf("DecodeRPCMsg: %v", err)
	}

	got := decoded.(*RequestVoteRequest)
	if got.LastLogIndex != nil || got.LastLogTerm != nil {
		t.Fatalf("expected nil last log pointers, got %+v", got)
	}
}
