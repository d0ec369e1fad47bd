package main

import (
	"testing"

	"go.uber.org/zap"
)

func TestDownsampleByAveragingConstantAmplitude(t *testing.T) {
	in := make([]int16, 9)
	for i := range in {
		in[i] = 1000
	}

	out := downsampleByAveraging(in, 3)
	if len(out) != 3 {
		t.Fatalf("output length = %d, want 3", len(out))
	}
	for i, sample := range out {
		if sample != 1000 {
			t.Errorf("sample %d = %d, want 1000 (constant input must survive averaging)", i, sample)
		}
	}
}

func TestDownsampleByAveragingGroups(t *testing.T) {
	tests := []struct {
		name  string
		in    []int16
		ratio int
		want  []int16
	}{
		{"averages each group", []int16{3, 6, 9, 30, 60, 90}, 3, []int16{6, 60}},
		{"truncates remainder", []int16{1, 1, 1, 7}, 3, []int16{1}},
		{"ratio one copies", []int16{5, 6}, 1, []int16{5, 6}},
		{"empty input", nil, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := downsampleByAveraging(tt.in, tt.ratio)
			if len(got) != len(tt.want) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestApplyGainClipping(t *testing.T) {
	tests := []struct {
		name string
		in   int16
		gain float64
		want int16
	}{
		{"scales", 100, 2.0, 200},
		{"clips positive", 30000, 2.0, 32767},
		{"clips negative", -30000, 2.0, -32768},
		{"unity untouched", 12345, 1.0, 12345},
		{"attenuates", 1000, 0.5, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := []int16{tt.in}
			applyGain(samples, tt.gain)
			if samples[0] != tt.want {
				t.Errorf("applyGain(%d, %v) = %d, want %d", tt.in, tt.gain, samples[0], tt.want)
			}
		})
	}
}

func TestCollectSpeakerFrames(t *testing.T) {
	tests := []struct {
		name       string
		input      int
		wantFrames int
		wantRest   int
	}{
		{"empty", 0, 0, 0},
		{"one byte", 1, 0, 1},
		{"one short of a frame", pcmBytesPerFrame - 1, 0, pcmBytesPerFrame - 1},
		{"exact frame", pcmBytesPerFrame, 1, 0},
		{"frame plus one", pcmBytesPerFrame + 1, 1, 1},
		{"two frames plus one", pcmBytesPerFrame*2 + 1, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &downlinkBridge{log: zap.NewNop()}
			frames := b.collectSpeakerFrames(make([]byte, tt.input))
			if len(frames) != tt.wantFrames {
				t.Errorf("frames = %d, want %d", len(frames), tt.wantFrames)
			}
			for i, frame := range frames {
				if len(frame) != pcmBytesPerFrame {
					t.Errorf("frame %d is %d bytes, want %d", i, len(frame), pcmBytesPerFrame)
				}
			}
			if len(b.pcmBuf) != tt.wantRest {
				t.Errorf("carry buffer holds %d bytes, want %d", len(b.pcmBuf), tt.wantRest)
			}
		})
	}
}

func TestCollectSpeakerFramesCarriesRemainderForward(t *testing.T) {
	b := &downlinkBridge{log: zap.NewNop()}

	first := make([]byte, pcmBytesPerFrame-1)
	for i := range first {
		first[i] = 0x11
	}
	if frames := b.collectSpeakerFrames(first); len(frames) != 0 {
		t.Fatalf("premature frame from %d bytes", len(first))
	}

	frames := b.collectSpeakerFrames([]byte{0x22, 0x33})
	if len(frames) != 1 {
		t.Fatalf("frames = %d after completing the remainder, want 1", len(frames))
	}
	frame := frames[0]
	if frame[pcmBytesPerFrame-2] != 0x11 || frame[pcmBytesPerFrame-1] != 0x22 {
		t.Error("remainder not stitched in arrival order")
	}
	if len(b.pcmBuf) != 1 || b.pcmBuf[0] != 0x33 {
		t.Errorf("carry buffer = %v, want [0x33]", b.pcmBuf)
	}
}

func TestInt16ByteRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234, -4321}
	raw := int16ToBytes(samples)
	back := make([]int16, len(samples))
	bytesToInt16(raw, back)
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("sample %d = %d after round trip, want %d", i, back[i], samples[i])
		}
	}
}
