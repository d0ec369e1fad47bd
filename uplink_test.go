package main

import (
	"bytes"
	"testing"

	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

type stubEncoder struct {
	fail bool
}

func (e *stubEncoder) Encode(pcm []byte) ([]byte, error) {
	if e.fail {
		return nil, errFrameEmpty
	}
	return append([]byte(nil), pcm...), nil
}

func testMicServer(publish func(media.Sample)) *micServer {
	return &micServer{
		buffer:  newJitterBuffer(jitterBufferCapacity),
		encoder: &stubEncoder{},
		publish: publish,
		log:     zap.NewNop(),
		tick:    frameDuration,
		done:    make(chan struct{}),
	}
}

func pcmFrameWithMarker(marker byte) []byte {
	frame := make([]byte, pcmBytesPerFrame)
	frame[0] = marker
	return frame
}

func TestPacerEmitsAtMostOneFramePerTick(t *testing.T) {
	var emitted []media.Sample
	m := testMicServer(func(s media.Sample) { emitted = append(emitted, s) })

	for i := byte(1); i <= 3; i++ {
		m.buffer.Push(pcmFrameWithMarker(i))
	}

	// A backlog drains one frame per tick, never in a burst.
	for tick := 1; tick <= 3; tick++ {
		m.pacerTick()
		if len(emitted) != tick {
			t.Fatalf("after tick %d: %d samples emitted, want %d", tick, len(emitted), tick)
		}
	}

	for i, sample := range emitted {
		if sample.Data[0] != byte(i+1) {
			t.Errorf("sample %d carries frame %d, want %d", i, sample.Data[0], i+1)
		}
		if sample.Duration != frameDuration {
			t.Errorf("sample %d duration = %v, want %v", i, sample.Duration, frameDuration)
		}
	}
}

func TestPacerEmitsNothingWhenEmpty(t *testing.T) {
	emitted := 0
	m := testMicServer(func(media.Sample) { emitted++ })

	for i := 0; i < 5; i++ {
		m.pacerTick()
	}
	if emitted != 0 {
		t.Errorf("%d samples emitted from an empty buffer, want 0", emitted)
	}
}

func TestPacerDropsFrameOnEncodeFailure(t *testing.T) {
	emitted := 0
	m := testMicServer(func(media.Sample) { emitted++ })
	m.encoder = &stubEncoder{fail: true}

	m.buffer.Push(pcmFrameWithMarker(1))
	m.pacerTick()

	if emitted != 0 {
		t.Errorf("%d samples emitted despite encode failure, want 0", emitted)
	}
	if m.buffer.Len() != 0 {
		t.Error("failed frame left in buffer instead of being dropped")
	}
}

func TestMicServerFanOutPreservesOrder(t *testing.T) {
	var a, b [][]byte
	registry := newSessionRegistry()
	registry.Add(&rtcSession{id: "a", audioOut: captureWriter(&a), done: make(chan struct{})})
	registry.Add(&rtcSession{id: "b", audioOut: captureWriter(&b), done: make(chan struct{})})

	m := testMicServer(registry.Broadcast)
	for i := byte(1); i <= 4; i++ {
		m.buffer.Push(pcmFrameWithMarker(i))
		m.pacerTick()
	}

	for name, got := range map[string][][]byte{"a": a, "b": b} {
		if len(got) != 4 {
			t.Fatalf("subscriber %s received %d frames, want 4", name, len(got))
		}
		for i, frame := range got {
			if frame[0] != byte(i+1) {
				t.Errorf("subscriber %s frame %d = %d, want %d", name, i, frame[0], i+1)
			}
		}
	}
}

func TestHandlePacketStats(t *testing.T) {
	m := testMicServer(func(media.Sample) {})

	frame := func(seq byte) []byte {
		pkt := make([]byte, 1+pcmBytesPerFrame)
		pkt[0] = seq
		return pkt
	}

	m.handlePacket([]byte{micPingMarker})
	m.handlePacket(frame(1))
	m.handlePacket(frame(2))
	m.handlePacket(frame(5))        // jump
	m.handlePacket([]byte{1, 2, 3}) // wrong size

	stats := m.Stats()
	if stats.Pings != 1 {
		t.Errorf("Pings = %d, want 1", stats.Pings)
	}
	if stats.Packets != 3 {
		t.Errorf("Packets = %d, want 3", stats.Packets)
	}
	if stats.SeqJumps != 1 {
		t.Errorf("SeqJumps = %d, want 1", stats.SeqJumps)
	}
	if stats.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", stats.Malformed)
	}
	if stats.BufferedNow != 3 {
		t.Errorf("BufferedNow = %d, want 3", stats.BufferedNow)
	}
}

func TestHandlePacketSeqWraparound(t *testing.T) {
	m := testMicServer(func(media.Sample) {})

	frame := func(seq byte) []byte {
		pkt := make([]byte, 1+pcmBytesPerFrame)
		pkt[0] = seq
		return pkt
	}

	m.handlePacket(frame(254))
	m.handlePacket(frame(255))
	m.handlePacket(frame(0))

	if stats := m.Stats(); stats.SeqJumps != 0 {
		t.Errorf("SeqJumps = %d after clean wraparound, want 0", stats.SeqJumps)
	}
}

func TestHandlePacketStripsSequenceByte(t *testing.T) {
	m := testMicServer(func(media.Sample) {})

	pkt := make([]byte, 1+pcmBytesPerFrame)
	pkt[0] = 9
	pkt[1] = 0xAB

	m.handlePacket(pkt)
	frame, ok := m.buffer.Pop()
	if !ok {
		t.Fatal("frame not buffered")
	}
	if len(frame) != pcmBytesPerFrame {
		t.Fatalf("buffered frame is %d bytes, want %d", len(frame), pcmBytesPerFrame)
	}
	if !bytes.Equal(frame[:1], []byte{0xAB}) {
		t.Error("sequence byte not stripped from buffered frame")
	}
}
