package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const frameDuration = 20 * time.Millisecond

// micServer ingests the devkit microphone stream: one [seq][640-byte PCM]
// datagram per 20 ms frame, plus 1-byte keepalive pings. Frames land in the
// jitter buffer; a fixed-rate pacer drains it one frame per tick, encodes,
// and hands the sample to the publish callback. The pacer never bursts to
// catch up, so downstream always sees real-time cadence.
type micServer struct {
	conn    *net.UDPConn
	buffer  *jitterBuffer
	encoder frameEncoder
	publish func(media.Sample)
	log     *zap.Logger
	tick    time.Duration

	mu        sync.Mutex
	started   bool
	lastSeq   uint8
	packets   uint64
	pings     uint64
	seqJumps  uint64
	malformed uint64
	emitted   uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newMicServer(port int, buffer *jitterBuffer, encoder frameEncoder, publish func(media.Sample), log *zap.Logger) (*micServer, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind mic udp port %d: %w", port, err)
	}
	_ = conn.SetReadBuffer(1024 * 1024)

	return &micServer{
		conn:    conn,
		buffer:  buffer,
		encoder: encoder,
		publish: publish,
		log:     log,
		tick:    frameDuration,
		done:    make(chan struct{}),
	}, nil
}

func (m *micServer) Start() {
	m.wg.Add(2)
	go m.readLoop()
	go m.paceLoop()
}

func (m *micServer) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		_ = m.conn.Close()
	})
	m.wg.Wait()
}

func (m *micServer) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		_ = m.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-m.done:
				return
			default:
				m.log.Warn("mic udp read error", zap.Error(err))
				continue
			}
		}

		m.handlePacket(buf[:n])
	}
}

func (m *micServer) handlePacket(data []byte) {
	if len(data) == 1 && data[0] == micPingMarker {
		m.mu.Lock()
		m.pings++
		m.mu.Unlock()
		return
	}

	// [1-byte seq][PCM frame]; anything else is malformed and dropped.
	if len(data) != 1+pcmBytesPerFrame {
		m.mu.Lock()
		m.malformed++
		m.mu.Unlock()
		return
	}

	seq := data[0]
	m.mu.Lock()
	if m.started && seq != m.lastSeq+1 {
		m.seqJumps++
	}
	m.started = true
	m.lastSeq = seq
	m.packets++
	m.mu.Unlock()

	m.buffer.Push(data[1:])
}

func (m *micServer) paceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.pacerTick()
		}
	}
}

// pacerTick emits at most one encoded sample. An empty buffer means silence
// for this tick; queued backlog drains one frame per tick, never in bursts.
func (m *micServer) pacerTick() {
	frame, ok := m.buffer.Pop()
	if !ok {
		return
	}

	packet, err := m.encoder.Encode(frame)
	if err != nil {
		m.log.Warn("uplink encode failed, frame dropped", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.emitted++
	m.mu.Unlock()

	m.publish(media.Sample{Data: packet, Duration: frameDuration})
}

type micStats struct {
	Packets     uint64 `json:"packets"`
	Pings       uint64 `json:"pings"`
	SeqJumps    uint64 `json:"seqJumps"`
	Malformed   uint64 `json:"malformed"`
	Emitted     uint64 `json:"framesEmitted"`
	Dropped     uint64 `json:"framesDropped"`
	BufferedNow int    `json:"buffered"`
	BufferLimit int    `json:"bufferCapacity"`
}

func (m *micServer) Stats() micStats {
	m.mu.Lock()
	stats := micStats{
		Packets:   m.packets,
		Pings:     m.pings,
		SeqJumps:  m.seqJumps,
		Malformed: m.malformed,
		Emitted:   m.emitted,
	}
	m.mu.Unlock()

	stats.Dropped = m.buffer.Dropped()
	stats.BufferedNow = m.buffer.Len()
	stats.BufferLimit = jitterBufferCapacity
	return stats
}
