package main

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxDecodedSamples covers the longest legal opus frame (120 ms) at the
// browser clock rate.
const maxDecodedSamples = browserSampleRate * 120 / 1000

// frameEncoder compresses one fixed-size PCM frame into a transport packet.
type frameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// opusEncoderEngine encodes device-rate PCM frames for the browser-bound
// uplink. Not safe for concurrent use; the pacer is the sole caller.
type opusEncoderEngine struct {
	enc    *opus.Encoder
	pcmBuf []int16
	outBuf []byte
}

func newOpusEncoderEngine(sampleRate int, channels int) (*opusEncoderEngine, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &opusEncoderEngine{
		enc:    enc,
		pcmBuf: make([]int16, pcmSamplesPerFrame),
		outBuf: make([]byte, 1500),
	}, nil
}

func (e *opusEncoderEngine) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != pcmBytesPerFrame {
		return nil, fmt.Errorf("unexpected pcm frame size: %d bytes", len(pcm))
	}
	bytesToInt16(pcm, e.pcmBuf)
	n, err := e.enc.Encode(e.pcmBuf, e.outBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return append([]byte(nil), e.outBuf[:n]...), nil
}

// opusDecoderEngine decodes browser opus packets at the browser clock rate.
// Each downlink bridge owns one; decode failures are per-packet, the caller
// skips and continues.
type opusDecoderEngine struct {
	dec    *opus.Decoder
	pcmBuf []int16
}

func newOpusDecoderEngine(sampleRate int, channels int) (*opusDecoderEngine, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &opusDecoderEngine{
		dec:    dec,
		pcmBuf: make([]int16, maxDecodedSamples),
	}, nil
}

func (d *opusDecoderEngine) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	return append([]int16(nil), d.pcmBuf[:n]...), nil
}

func bytesToInt16(src []byte, dst []int16) {
	for i := range dst {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
}

func int16ToBytes(src []int16) []byte {
	out := make([]byte, len(src)*2)
	for i, sample := range src {
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
