package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Device-side audio geometry. The devkit captures 16 kHz mono s16le and
// ships one 20 ms frame per datagram; the speaker path consumes the same
// frame size.
const (
	deviceSampleRate  = 16000
	browserSampleRate = 48000
	downsampleRatio   = browserSampleRate / deviceSampleRate

	pcmSamplesPerFrame = 320
	pcmBytesPerFrame   = pcmSamplesPerFrame * 2
)

const (
	micPingMarker      = 0xFF
	speakerProbeMarker = 0xFE
)

// Control channel framing: [4-byte LE length][UTF-8 payload]. The devkit's
// own receive buffer is a few KiB, so anything near the ceiling is a framing
// violation rather than a legitimate message.
const (
	controlHeaderSize    = 4
	maxControlFrameBytes = 64 * 1024
)

var (
	errFrameTooLarge = errors.New("control frame exceeds size limit")
	errFrameEmpty    = errors.New("control frame has zero length")
)

func buildControlFrame(payload []byte) []byte {
	frame := make([]byte, controlHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:controlHeaderSize], uint32(len(payload)))
	copy(frame[controlHeaderSize:], payload)
	return frame
}

// decodeControlFrame extracts one framed payload from the front of buf.
// consumed is 0 when the buffer does not yet hold a complete frame. A
// declared length of zero or above the ceiling is fatal to the connection.
func decodeControlFrame(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < controlHeaderSize {
		return nil, 0, nil
	}
	msgLen := binary.LittleEndian.Uint32(buf[:controlHeaderSize])
	if msgLen == 0 {
		return nil, 0, errFrameEmpty
	}
	if msgLen > maxControlFrameBytes {
		return nil, 0, fmt.Errorf("%w: declared %d bytes", errFrameTooLarge, msgLen)
	}
	total := controlHeaderSize + int(msgLen)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload = append([]byte(nil), buf[controlHeaderSize:total]...)
	return payload, total, nil
}
