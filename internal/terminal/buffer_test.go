package terminal

import (
	"bytes"
	"testing"
)

func TestEvictBuffer_AppendAndDrain(t *testing.T) {
	b := newEvictBuffer(1024)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	if got := b.Len(); got != len("hello world") {
		t.Fatalf("Len() = %d, want %d", got, len("hello world"))
	}

	out := b.Drain()
	if !bytes.Equal(out, []byte("hello world")) {
		t.Fatalf("Drain() = %q, want %q", out, "hello world")
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer to be empty after drain, got Len()=%d", b.Len())
	}
}

func TestEvictBuffer_EvictsOldestContiguousChunks(t *testing.T) {
	b := newEvictBuffer(10)
	b.Append([]byte("0123456789")) // fills exactly to cap
	b.Append([]byte("ABCDE"))      // pushes total to 15, must evict from the head

	out := b.Drain()
	// Eviction removes whole chunks only: the first 10-byte chunk is
	// evicted entirely, leaving just the newest chunk.
	if !bytes.Equal(out, []byte("ABCDE")) {
		t.Fatalf("Drain() = %q, want %q (only newest chunk retained)", out, "ABCDE")
	}
}

func TestEvictBuffer_NeverReturnsAPartialChunk(t *testing.T) {
	b := newEvictBuffer(5)
	b.Append([]byte("12345"))
	b.Append([]byte("6789012345")) // a single chunk larger than cap

	out := b.Drain()
	// The oversized chunk cannot be split: the buffer accepts it whole
	// and evicts everything before it, trading "some data retained"
	// for "never emit a scrambled partial chunk".
	if !bytes.Equal(out, []byte("6789012345")) {
		t.Fatalf("Drain() = %q, want %q", out, "6789012345")
	}
}

func TestEvictBuffer_EmptyAppendIsNoop(t *testing.T) {
	b := newEvictBuffer(1024)
	b.Append(nil)
	b.Append([]byte{})
	if b.Len() != 0 {
		t.Fatalf("expected Len()=0 after appending empty chunks, got %d", b.Len())
	}
}
