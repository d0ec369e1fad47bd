package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	keepaliveInterval = 30 * time.Second
	keepaliveMisses   = 2
)

var errDevkitNotConnected = errors.New("devkit not connected or not authenticated")

type devkitState int

const (
	devkitConnected devkitState = iota
	devkitAuthPending
	devkitAuthenticated
	devkitStreaming
	devkitClosed
)

func (s devkitState) String() string {
	switch s {
	case devkitConnected:
		return "connected"
	case devkitAuthPending:
		return "auth_pending"
	case devkitAuthenticated:
		return "authenticated"
	case devkitStreaming:
		return "streaming"
	case devkitClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type devkitStatus struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
	Address       string `json:"address,omitempty"`
}

type devkitCallbacks struct {
	onStatus  func(devkitStatus)
	onMessage func(string)
	onAudio   func(int)
}

type devkitSession struct {
	conn        net.Conn
	state       devkitState
	connectedAt time.Time
	lastSeen    time.Time
	missedPings int
}

// devkitServer accepts the single devkit control connection. At most one
// session is live; a newer connection replaces the older one. Frames are
// [4-byte LE length][UTF-8 payload] and the first frame must carry the
// shared token.
type devkitServer struct {
	listener net.Listener
	token    string
	cb       devkitCallbacks
	log      *zap.Logger

	mu      sync.RWMutex
	current *devkitSession

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newDevkitServer(port int, token string, cb devkitCallbacks, log *zap.Logger) (*devkitServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind control tcp port %d: %w", port, err)
	}
	return &devkitServer{
		listener: listener,
		token:    token,
		cb:       cb,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

func (d *devkitServer) Start() {
	d.wg.Add(2)
	go d.acceptLoop()
	go d.keepaliveLoop()
}

func (d *devkitServer) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.listener.Close()
		d.mu.Lock()
		if d.current != nil {
			_ = d.current.conn.Close()
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *devkitServer) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				d.log.Warn("control accept error", zap.Error(err))
				continue
			}
		}
		go d.handleConn(conn)
	}
}

// keepaliveLoop pings the authenticated devkit every interval. Two intervals
// without a pong mean the connection is dead; half-open TCP sessions
// otherwise linger for the kernel timeout.
func (d *devkitServer) keepaliveLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.keepaliveTick()
		}
	}
}

// keepaliveTick charges the authenticated session one missed ping and either
// pings it or, past the miss budget, closes it. Pongs clear the counter in
// handleFrame.
func (d *devkitServer) keepaliveTick() {
	d.mu.Lock()
	session := d.current
	if session == nil || session.state < devkitAuthenticated {
		d.mu.Unlock()
		return
	}
	session.missedPings++
	missed := session.missedPings
	conn := session.conn
	d.mu.Unlock()

	if missed > keepaliveMisses {
		d.log.Warn("devkit unresponsive, closing control session",
			zap.Int("missedPings", missed))
		_ = conn.Close()
		return
	}
	if err := writeControlFrame(conn, "ping"); err != nil {
		d.log.Warn("keepalive ping failed", zap.Error(err))
	}
}

func (d *devkitServer) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	d.log.Info("devkit connecting", zap.String("remote", remote))

	session := &devkitSession{
		conn:        conn,
		state:       devkitAuthPending,
		connectedAt: time.Now(),
		lastSeen:    time.Now(),
	}

	d.mu.Lock()
	if d.current != nil {
		_ = d.current.conn.Close()
	}
	d.current = session
	d.mu.Unlock()

	defer func() {
		_ = conn.Close()
		d.mu.Lock()
		wasCurrent := d.current == session
		if wasCurrent {
			session.state = devkitClosed
			d.current = nil
		}
		d.mu.Unlock()
		if wasCurrent {
			d.log.Info("devkit disconnected", zap.String("remote", remote))
			d.emitStatus()
		}
	}()

	buffer := make([]byte, 0, 4096)
	readBuf := make([]byte, 1024)

	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			return
		}
		buffer = append(buffer, readBuf[:n]...)

		for {
			payload, consumed, err := decodeControlFrame(buffer)
			if err != nil {
				d.log.Warn("fatal framing error, closing devkit session",
					zap.String("remote", remote), zap.Error(err))
				return
			}
			if consumed == 0 {
				break
			}
			buffer = buffer[consumed:]

			if !d.handleFrame(session, payload) {
				return
			}
		}
	}
}

// handleFrame dispatches one decoded frame. Returns false when the
// connection must close.
func (d *devkitServer) handleFrame(session *devkitSession, payload []byte) bool {
	d.mu.Lock()
	state := session.state
	session.lastSeen = time.Now()
	d.mu.Unlock()

	if state == devkitAuthPending {
		message := string(payload)
		if !strings.HasPrefix(message, "auth:") {
			d.log.Warn("frame before authentication ignored")
			_ = writeControlFrame(session.conn, "auth:required")
			return true
		}
		if secureStringEqual(message[len("auth:"):], d.token) {
			d.mu.Lock()
			session.state = devkitAuthenticated
			d.mu.Unlock()
			d.log.Info("devkit authenticated",
				zap.String("remote", session.conn.RemoteAddr().String()))
			_ = writeControlFrame(session.conn, "auth:ok")
			d.emitStatus()
			return true
		}
		d.log.Warn("devkit auth failed",
			zap.String("remote", session.conn.RemoteAddr().String()))
		_ = writeControlFrame(session.conn, "auth:failed")
		return false
	}

	// Opportunistic audio over TCP: debug fallback only, forwarded as a
	// length notice.
	if len(payload) > 6 && string(payload[:6]) == "audio:" {
		if d.cb.onAudio != nil {
			d.cb.onAudio(len(payload) - 6)
		}
		return true
	}

	message := string(payload)
	if message == "pong" {
		d.mu.Lock()
		session.missedPings = 0
		d.mu.Unlock()
		return true
	}

	d.log.Debug("devkit message", zap.String("data", message))
	if d.cb.onMessage != nil {
		d.cb.onMessage(message)
	}
	return true
}

// Send forwards one command to the authenticated devkit. Commands that turn
// the microphone on or off also track the streaming state.
func (d *devkitServer) Send(command string) error {
	d.mu.Lock()
	session := d.current
	if session == nil || session.state < devkitAuthenticated {
		d.mu.Unlock()
		return errDevkitNotConnected
	}
	conn := session.conn
	switch command {
	case "mic on":
		session.state = devkitStreaming
	case "mic off":
		if session.state == devkitStreaming {
			session.state = devkitAuthenticated
		}
	}
	d.mu.Unlock()

	if err := writeControlFrame(conn, command); err != nil {
		return fmt.Errorf("failed to send to devkit: %w", err)
	}
	return nil
}

func (d *devkitServer) Status() devkitStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.current == nil {
		return devkitStatus{State: devkitClosed.String()}
	}
	status := devkitStatus{
		Connected:     true,
		Authenticated: d.current.state >= devkitAuthenticated,
		State:         d.current.state.String(),
	}
	if addr, ok := d.current.conn.RemoteAddr().(*net.TCPAddr); ok {
		status.Address = addr.IP.String()
	}
	return status
}

func (d *devkitServer) emitStatus() {
	if d.cb.onStatus != nil {
		d.cb.onStatus(d.Status())
	}
}

func writeControlFrame(conn net.Conn, payload string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(buildControlFrame([]byte(payload)))
	return err
}
