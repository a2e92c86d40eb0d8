package ptyworker

import "testing"

func TestMcpIDExtractor_MatchesValidRange(t *testing.T) {
	e := NewMcpIDExtractor()
	got := e.Feed(`{"jsonrpc":"2.0","id":"123456789012345","result":{}}`)
	if len(got) != 1 || got[0] != "123456789012345" {
		t.Fatalf("got %v", got)
	}
}

func TestMcpIDExtractor_RejectsOutOfRangeLength(t *testing.T) {
	e := NewMcpIDExtractor()
	got := e.Feed(`{"id":"123"}`)
	if len(got) != 0 {
		t.Fatalf("expected no match for short id, got %v", got)
	}
	got = e.Feed(`{"id":"123456789012345678901"}`)
	if len(got) != 0 {
		t.Fatalf("expected no match for 21-digit id, got %v", got)
	}
}

func TestMcpIDExtractor_ToleratesWhitespaceVariants(t *testing.T) {
	e := NewMcpIDExtractor()
	got := e.Feed(`{"id"  :   "987654321098765"}`)
	if len(got) != 1 || got[0] != "987654321098765" {
		t.Fatalf("got %v", got)
	}
}

func TestMcpIDExtractor_TailBufferEviction(t *testing.T) {
	e := NewMcpIDExtractor()
	filler := make([]byte, mcpIDTailCapacity)
	for i := range filler {
		filler[i] = 'x'
	}
	e.Feed(string(filler))
	got := e.Feed(`{"id":"111111111111111"}`)
	if len(got) != 1 {
		t.Fatalf("expected match after filler eviction, got %v", got)
	}
	if len(e.tail) != mcpIDTailCapacity {
		t.Fatalf("expected tail capped at %d, got %d", mcpIDTailCapacity, len(e.tail))
	}
}

func TestMcpIDExtractor_MultipleMatchesInOneChunk(t *testing.T) {
	e := NewMcpIDExtractor()
	got := e.Feed(`{"id":"111111111111111"} {"id":"222222222222222"}`)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %v", got)
	}
}
