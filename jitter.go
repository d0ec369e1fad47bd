package main

import "sync"

// jitterBufferCapacity absorbs roughly one second of 20 ms frames between
// the bursty devkit uplink and the fixed-rate pacer.
const jitterBufferCapacity = 50

// jitterBuffer is a bounded FIFO of uplink PCM frames. The devkit sends in
// order on the local leg, so there is no reordering; the buffer only absorbs
// arrival jitter. When full the incoming frame is dropped so already queued
// audio keeps its latency.
type jitterBuffer struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	dropped  uint64
}

func newJitterBuffer(capacity int) *jitterBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &jitterBuffer{capacity: capacity}
}

// Push enqueues one frame without blocking. Returns false when the buffer
// is full and the frame was dropped.
func (b *jitterBuffer) Push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.capacity {
		b.dropped++
		return false
	}
	b.frames = append(b.frames, append([]byte(nil), frame...))
	return true
}

// Pop dequeues the oldest frame. Never blocks.
func (b *jitterBuffer) Pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, false
	}
	frame := b.frames[0]
	b.frames = b.frames[1:]
	return frame, true
}

func (b *jitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *jitterBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
