package raft

import (
	"encoding/json"
	"fmt"
)

// RPCMsg is the envelope contract shared by every message the transport
// carries.
type RPCMsg interface {
	GetType() string
	fmt.Stringer
}

type RequestVoteRequest struct {
	Term         Term      `json:"term"`
	CandidateId  ServerId  `json:"candidateId"`
	LastLogIndex *LogIndex `json:"lastLogIndex,omitempty"`
	LastLogTerm  *Term     `json:"lastLogTerm,omitempty"`
}

func (m *RequestVoteRequest) GetType() string { return "requestVoteRequest" }

func (m *RequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		m.Term, m.CandidateId, indexOrSentinel(m.LastLogIndex), termOrSentinel(m.LastLogTerm))
}

type RequestVoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"voteGranted"`
}

func (m *RequestVoteResponse) GetType() string { return "requestVoteResponse" }

func (m *RequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}", m.Term, m.VoteGranted)
}

type AppendEntriesRequest struct {
	Term         Term       `json:"term"`
	LeaderId     ServerId   `json:"leaderId"`
	PrevLogIndex *LogIndex  `json:"prevLogIndex,omitempty"`
	PrevLogTerm  *Term      `json:"prevLogTerm,omitempty"`
	Entries      []LogEntry `json:"entries"`
	CommitIndex  *LogIndex  `json:"commitIndex,omitempty"`
}

func (m *AppendEntriesRequest) GetType() string { return "appendEntriesRequest" }

func (m *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, commitIndex: %d}",
		m.Term, m.LeaderId, indexOrSentinel(m.PrevLogIndex), termOrSentinel(m.PrevLogTerm),
		len(m.Entries), indexOrSentinel(m.CommitIndex))
}

type AppendEntriesResponse struct {
	Term    Term `json:"term"`
	Success bool `json:"success"`
}

func (m *AppendEntriesResponse) GetType() string { return "appendEntriesResponse" }

func (m *AppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v}", m.Term, m.Success)
}

type CommandRequest struct {
	Command []byte `json:"command"`
}

func (m *CommandRequest) GetType() string { return "commandRequest" }

func (m *CommandRequest) String() string {
	return fmt.Sprintf("CommandRequest{%d bytes}", len(m.Command))
}

type CommandResponse struct {
	Success bool `json:"success"`
}

func (m *CommandResponse) GetType() string { return "commandResponse" }

func (m *CommandResponse) String() string {
	return fmt.Sprintf("CommandResponse{success: %v}", m.Success)
}

// EncodeRPCMsg wraps msg in a {type, value} envelope, matching the
// teacher's wire format exactly.
func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

// DecodeRPCMsg reverses EncodeRPCMsg.
func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "requestVoteRequest":
		msg = &RequestVoteRequest{}
	case "requestVoteResponse":
		msg = &RequestVoteResponse{}
	case "appendEntriesRequest":
		msg = &AppendEntriesRequest{}
	case "appendEntriesResponse":
		msg = &AppendEntriesResponse{}
	case "commandRequest":
		msg = &CommandRequest{}
	case "commandResponse":
		msg = &CommandResponse{}
	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
