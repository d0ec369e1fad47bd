package main

import (
	"testing"

	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

type sampleCapture struct {
	frames *[][]byte
}

func (c sampleCapture) WriteSample(s media.Sample) error {
	*c.frames = append(*c.frames, s.Data)
	return nil
}

func captureWriter(dst *[][]byte) sampleWriter {
	return sampleCapture{frames: dst}
}

func TestSessionAdvance(t *testing.T) {
	tests := []struct {
		name    string
		start   sessionState
		event   sessionEvent
		want    sessionState
		changed bool
	}{
		{"signaling to connecting", sessionSignaling, eventConnecting, sessionConnecting, true},
		{"connecting to connected", sessionConnecting, eventConnected, sessionConnected, true},
		{"signaling straight to connected", sessionSignaling, eventConnected, sessionConnected, true},
		{"connected to disconnected", sessionConnected, eventDisconnected, sessionDisconnected, true},
		{"connecting to failed", sessionConnecting, eventFailed, sessionFailed, true},
		{"connected ignores late connecting", sessionConnected, eventConnecting, sessionConnected, false},
		{"disconnected is terminal", sessionDisconnected, eventConnected, sessionDisconnected, false},
		{"failed is terminal", sessionFailed, eventConnecting, sessionFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &rtcSession{state: tt.start, done: make(chan struct{})}
			got, changed := s.advance(tt.event)
			if got != tt.want {
				t.Errorf("advance(%v) from %v = %v, want %v", tt.event, tt.start, got, tt.want)
			}
			if changed != tt.changed {
				t.Errorf("advance(%v) changed = %v, want %v", tt.event, changed, tt.changed)
			}
		})
	}
}

func TestSessionRegistry(t *testing.T) {
	registry := newSessionRegistry()
	if registry.Count() != 0 {
		t.Fatalf("fresh registry Count() = %d, want 0", registry.Count())
	}

	a := &rtcSession{id: "a", done: make(chan struct{})}
	b := &rtcSession{id: "b", done: make(chan struct{})}
	registry.Add(a)
	registry.Add(b)

	if registry.Count() != 2 {
		t.Errorf("Count() = %d, want 2", registry.Count())
	}
	if got := len(registry.Snapshot()); got != 2 {
		t.Errorf("Snapshot() has %d sessions, want 2", got)
	}

	registry.Remove("a")
	if registry.Count() != 1 {
		t.Errorf("Count() after Remove = %d, want 1", registry.Count())
	}
	registry.Remove("missing")
	if registry.Count() != 1 {
		t.Errorf("Count() after removing absent id = %d, want 1", registry.Count())
	}
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	var a, b [][]byte
	registry := newSessionRegistry()
	registry.Add(&rtcSession{id: "a", audioOut: captureWriter(&a), done: make(chan struct{})})
	registry.Add(&rtcSession{id: "b", audioOut: captureWriter(&b), done: make(chan struct{})})

	registry.Broadcast(media.Sample{Data: []byte{1}})
	registry.Broadcast(media.Sample{Data: []byte{2}})

	for name, got := range map[string][][]byte{"a": a, "b": b} {
		if len(got) != 2 {
			t.Fatalf("session %s received %d samples, want 2", name, len(got))
		}
		if got[0][0] != 1 || got[1][0] != 2 {
			t.Errorf("session %s received out of order: %v", name, got)
		}
	}
}

func TestRegisterIfLiveSkipsTerminalSessions(t *testing.T) {
	m := newRTCManager(newSessionRegistry(), nil, 1.0, zap.NewNop())

	live := &rtcSession{id: "live", done: make(chan struct{})}
	if !m.registerIfLive(live) {
		t.Fatal("live session rejected")
	}
	if m.registry.Count() != 1 {
		t.Fatalf("Count() = %d after registering live session, want 1", m.registry.Count())
	}

	// A session that failed while the answer waited on gathering must not
	// land in the registry: its removal callback already ran.
	dead := &rtcSession{id: "dead", state: sessionFailed, done: make(chan struct{})}
	if m.registerIfLive(dead) {
		t.Fatal("terminal session registered")
	}
	if m.registry.Count() != 1 {
		t.Errorf("Count() = %d after rejecting terminal session, want 1", m.registry.Count())
	}
	select {
	case <-dead.done:
	default:
		t.Error("rejected session left open")
	}
}

func TestConnectionStateEvent(t *testing.T) {
	s := &rtcSession{state: sessionSignaling, done: make(chan struct{})}

	for _, ev := range []sessionEvent{eventConnecting, eventConnected, eventDisconnected} {
		s.advance(ev)
	}
	if got := s.State(); got != sessionDisconnected {
		t.Errorf("final state = %v, want %v", got, sessionDisconnected)
	}
	if !s.State().terminal() {
		t.Error("disconnected state not terminal")
	}
}
