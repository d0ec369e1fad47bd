package main

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errNoSpeakerBinding = errors.New("no speaker binding registered")

// speakerEndpoint owns the downlink UDP socket. The devkit sits behind NAT,
// so it cannot be addressed directly: it sends a 1-byte probe and the relay
// replies to whatever source address the probe arrived from. Most recent
// probe wins; there are no liveness checks, a stale binding just means sends
// go nowhere until the next probe.
type speakerEndpoint struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu     sync.RWMutex
	addr   *net.UDPAddr
	seenAt time.Time
	probes uint64
	sent   uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSpeakerEndpoint(port int, log *zap.Logger) (*speakerEndpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind speaker udp port %d: %w", port, err)
	}

	if err := applyUDPSocketQoS(conn); err != nil {
		log.Warn("speaker socket QoS not applied", zap.Error(err))
	}

	return &speakerEndpoint{
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}, nil
}

func (sp *speakerEndpoint) Start() {
	sp.wg.Add(1)
	go sp.probeLoop()
}

func (sp *speakerEndpoint) Close() {
	sp.closeOnce.Do(func() {
		close(sp.done)
		_ = sp.conn.Close()
	})
	sp.wg.Wait()
}

func (sp *speakerEndpoint) probeLoop() {
	defer sp.wg.Done()

	buf := make([]byte, 64)
	for {
		select {
		case <-sp.done:
			return
		default:
		}

		_ = sp.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := sp.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-sp.done:
				return
			default:
				sp.log.Warn("speaker udp read error", zap.Error(err))
				continue
			}
		}

		if n == 1 && buf[0] == speakerProbeMarker {
			sp.registerProbe(addr)
		}
	}
}

func (sp *speakerEndpoint) registerProbe(addr *net.UDPAddr) {
	sp.mu.Lock()
	changed := sp.addr == nil || !udpAddrEqual(sp.addr, addr)
	sp.addr = addr
	sp.seenAt = time.Now()
	sp.probes++
	probes := sp.probes
	sp.mu.Unlock()

	if changed {
		sp.log.Info("speaker binding updated",
			zap.String("address", addr.String()),
			zap.Uint64("probes", probes))
	}
}

// Binding returns the current devkit speaker address and when it was last
// refreshed.
func (sp *speakerEndpoint) Binding() (*net.UDPAddr, time.Time, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if sp.addr == nil {
		return nil, time.Time{}, false
	}
	return sp.addr, sp.seenAt, true
}

// SendFrame ships one raw PCM frame to the currently bound devkit address.
func (sp *speakerEndpoint) SendFrame(frame []byte) error {
	sp.mu.RLock()
	addr := sp.addr
	sp.mu.RUnlock()

	if addr == nil {
		return errNoSpeakerBinding
	}

	if _, err := sp.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("speaker udp write failed: %w", err)
	}

	sp.mu.Lock()
	sp.sent++
	sp.mu.Unlock()
	return nil
}

type speakerStats struct {
	Bound      bool    `json:"bound"`
	Address    string  `json:"address,omitempty"`
	BindingAge float64 `json:"bindingAgeSeconds,omitempty"`
	Probes     uint64  `json:"probes"`
	FramesSent uint64  `json:"framesSent"`
}

func (sp *speakerEndpoint) Stats() speakerStats {
	sp.mu.RLock()
	defer sp.mu.RUnlock()

	stats := speakerStats{
		Bound:      sp.addr != nil,
		Probes:     sp.probes,
		FramesSent: sp.sent,
	}
	if sp.addr != nil {
		stats.Address = sp.addr.String()
		stats.BindingAge = time.Since(sp.seenAt).Seconds()
	}
	return stats
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Port != b.Port {
		return false
	}
	return a.IP.Equal(b.IP)
}
