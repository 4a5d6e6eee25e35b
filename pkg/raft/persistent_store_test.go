package raft

import (
	"path"
	"testing"
)

func TestPersistentStoreDefaultsOnFirstOpen(t *testing.T) {
	dir := t.TempDir()
	s := NewPersistentStore(path.Join(dir, "state.json"))

	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var state PersistentState
	if err := s.Read(&state); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if state.CurrentTerm != 0 || state.VotedFor != "" {
		t.Fatalf("expected zero-value default state, got %+v", state)
	}
}

func TestPersistentStoreWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "state.json")

	s := NewPersistentStore(filePath)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := PersistentState{CurrentTerm: 7, VotedFor: "node-2"}
	if err := s.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Close()

	s2 := NewPersistentStore(filePath)
	if err := s2.Open(); err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	var got PersistentState
	if err := s2.Read(&got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
