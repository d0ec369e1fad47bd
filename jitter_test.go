package main

import (
	"bytes"
	"testing"
)

func TestJitterBufferFIFO(t *testing.T) {
	buf := newJitterBuffer(4)

	frames := [][]byte{{1}, {2}, {3}}
	for _, f := range frames {
		if !buf.Push(f) {
			t.Fatalf("Push(%v) rejected below capacity", f)
		}
	}

	for i, want := range frames {
		got, ok := buf.Pop()
		if !ok {
			t.Fatalf("Pop %d returned empty", i)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Pop %d = %v, want %v", i, got, want)
		}
	}

	if _, ok := buf.Pop(); ok {
		t.Error("Pop on drained buffer returned a frame")
	}
}

func TestJitterBufferDropsNewestWhenFull(t *testing.T) {
	buf := newJitterBuffer(2)

	buf.Push([]byte{1})
	buf.Push([]byte{2})

	if buf.Push([]byte{3}) {
		t.Error("Push succeeded on a full buffer")
	}
	if got := buf.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if got := buf.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	// Queued frames keep their order; the rejected frame never appears.
	first, _ := buf.Pop()
	second, _ := buf.Pop()
	if first[0] != 1 || second[0] != 2 {
		t.Errorf("drained frames = %d, %d, want 1, 2", first[0], second[0])
	}
}

func TestJitterBufferCopiesFrames(t *testing.T) {
	buf := newJitterBuffer(1)
	frame := []byte{42}
	buf.Push(frame)
	frame[0] = 0

	got, _ := buf.Pop()
	if got[0] != 42 {
		t.Errorf("buffered frame mutated by caller: got %d, want 42", got[0])
	}
}
