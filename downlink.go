package main

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	bindingWaitAttempts = 50
	bindingWaitInterval = 100 * time.Millisecond
)

// frameSender delivers complete speaker frames to the devkit.
type frameSender interface {
	SendFrame(frame []byte) error
	Binding() (*net.UDPAddr, time.Time, bool)
}

// downlinkBridge converts one browser's opus audio into devkit speaker
// frames: decode at the browser clock rate, downsample by averaging,
// apply gain with hard clipping, then packetize into fixed 640-byte frames.
// Each browser session owns its own bridge and decoder.
type downlinkBridge struct {
	decoder *opusDecoderEngine
	sender  frameSender
	gain    float64
	log     *zap.Logger

	mu          sync.Mutex
	pcmBuf      []byte
	framesSent  uint64
	decodeFails uint64
}

func newDownlinkBridge(sender frameSender, gain float64, log *zap.Logger) (*downlinkBridge, error) {
	decoder, err := newOpusDecoderEngine(browserSampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &downlinkBridge{
		decoder: decoder,
		sender:  sender,
		gain:    gain,
		log:     log,
	}, nil
}

// run consumes the browser's inbound audio track until the session closes.
// The devkit must probe the speaker port before any frame can be delivered;
// without a binding within the wait budget the bridge gives up quietly.
func (b *downlinkBridge) run(track *webrtc.TrackRemote, done <-chan struct{}) {
	if !b.waitForBinding(done) {
		b.log.Warn("downlink ended: no speaker binding appeared")
		return
	}

	for {
		select {
		case <-done:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		b.handlePacket(pkt.Payload)
	}
}

func (b *downlinkBridge) waitForBinding(done <-chan struct{}) bool {
	for attempt := 0; attempt < bindingWaitAttempts; attempt++ {
		if _, _, ok := b.sender.Binding(); ok {
			return true
		}
		select {
		case <-done:
			return false
		case <-time.After(bindingWaitInterval):
		}
	}
	_, _, ok := b.sender.Binding()
	return ok
}

// handlePacket processes one opus packet. Decode failures skip the packet;
// a lost binding drops frames until the next probe restores it.
func (b *downlinkBridge) handlePacket(packet []byte) {
	decoded, err := b.decoder.Decode(packet)
	if err != nil {
		b.mu.Lock()
		b.decodeFails++
		fails := b.decodeFails
		b.mu.Unlock()
		if fails == 1 {
			b.log.Warn("downlink decode failed", zap.Error(err))
		}
		return
	}

	samples := downsampleByAveraging(decoded, downsampleRatio)
	applyGain(samples, b.gain)

	for _, frame := range b.collectSpeakerFrames(int16ToBytes(samples)) {
		if err := b.sender.SendFrame(frame); err != nil {
			if !errors.Is(err, errNoSpeakerBinding) {
				b.log.Warn("speaker frame send failed", zap.Error(err))
			}
			continue
		}
		b.mu.Lock()
		b.framesSent++
		b.mu.Unlock()
	}
}

// collectSpeakerFrames appends pcm to the carry buffer and cuts complete
// fixed-size frames, keeping any remainder for the next packet.
func (b *downlinkBridge) collectSpeakerFrames(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}

	b.mu.Lock()
	if len(b.pcmBuf) > pcmBytesPerFrame*64 {
		b.pcmBuf = nil
	}
	b.pcmBuf = append(b.pcmBuf, pcm...)
	frames := make([][]byte, 0, len(b.pcmBuf)/pcmBytesPerFrame+1)
	for len(b.pcmBuf) >= pcmBytesPerFrame {
		frame := append([]byte(nil), b.pcmBuf[:pcmBytesPerFrame]...)
		frames = append(frames, frame)
		b.pcmBuf = b.pcmBuf[pcmBytesPerFrame:]
	}
	b.mu.Unlock()

	return frames
}

// downsampleByAveraging reduces the sample rate by ratio, averaging each
// group instead of decimating so high-frequency content aliases less on the
// devkit's small speaker.
func downsampleByAveraging(in []int16, ratio int) []int16 {
	if ratio <= 1 {
		return append([]int16(nil), in...)
	}
	out := make([]int16, len(in)/ratio)
	for i := range out {
		sum := 0
		for j := 0; j < ratio; j++ {
			sum += int(in[i*ratio+j])
		}
		out[i] = int16(sum / ratio)
	}
	return out
}

// applyGain scales samples in place with hard clipping to int16 range.
func applyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, sample := range samples {
		scaled := float64(sample) * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		samples[i] = int16(scaled)
	}
}
