package raft

import (
	"path"
	"testing"
)

func TestLogStoreAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(path.Join(dir, "log.jsonl"))

	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	entries := []LogEntry{
		{Term: 1, Index: 0, Command: []byte("a")},
		{Term: 1, Index: 1, Command: []byte("b")},
		{Term: 2, Index: 2, Command: []byte("c")},
	}

	if err := s.Append(entries...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got := s.Size(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}

	last, ok := s.Last()
	if !ok || !last.Equal(entries[2]) {
		t.Fatalf("Last returned %+v, %v", last, ok)
	}

	entry, ok := s.Get(1)
	if !ok || !entry.Equal(entries[1]) {
		t.Fatalf("Get(1) returned %+v, %v", entry, ok)
	}

	if _, ok := s.Get(99); ok {
		t.Fatalf("Get(99) unexpectedly found an entry")
	}
}

func TestLogStoreReopenReplaysEntries(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "log.jsonl")

	s1 := NewLogStore(filePath)
	if err := s1.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Append(
		LogEntry{Term: 1, Index: 0, Command: []byte("a")},
		LogEntry{Term: 1, Index: 1, Command: []byte("b")},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s1.Close()

	s2 := NewLogStore(filePath)
	if err := s2.Open(); err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	if got := s2.Size(); got != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", got)
	}
	entry, ok := s2.Get(1)
	if !ok || string(entry.Command) != "b" {
		t.Fatalf("unexpected entry after reopen: %+v, %v", entry, ok)
	}
}

func TestLogStoreTruncateAfter(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(path.Join(dir, "log.jsonl"))
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Append(
		LogEntry{Term: 1, Index: 0, Command: []byte("a")},
		LogEntry{Term: 1, Index: 1, Command: []byte("b")},
		LogEntry{Term: 2, Index: 2, Command: []byte("c")},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.TruncateAfter(0); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}

	if got := s.Size(); got != 1 {
		t.Fatalf("expected 1 entry after truncate, got %d", got)
	}

	if err := s.Append(LogEntry{Term: 3, Index: 1, Command: []byte("d")}); err != nil {
		t.Fatalf("Append after truncate: %v", err)
	}

	entry, ok := s.Get(1)
	if !ok || string(entry.Command) != "d" {
		t.Fatalf("expected overwritten entry at index 1, got %+v, %v", entry, ok)
	}
}

func TestLogStoreSlice(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(path.Join(dir, "log.jsonl"))
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Append(
		LogEntry{Term: 1, Index: 0},
		LogEntry{Term: 1, Index: 1},
		LogEntry{Term: 1, Index: 2},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got := s.Slice(1)
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("unexpected slice: %+v", got)
	}

	if got := s.Slice(10); got != nil {
		t.Fatalf("expected nil slice past the end, got %+v", got)
	}
}

func TestLogStoreClear(t *testing.T) {
	dir := t.TempDir()
	s := NewLogStore(path.Join(dir, "log.jsonl"))
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Append(LogEntry{Term: 1, Index: 0}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := s.Size(); got != 0 {
		t.Fatalf("expected empty log after Clear, got %d entries", got)
	}
}
