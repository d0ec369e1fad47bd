package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const gatheringTimeout = 3 * time.Second

type sessionState int

const (
	sessionSignaling sessionState = iota
	sessionConnecting
	sessionConnected
	sessionDisconnected
	sessionFailed
)

func (s sessionState) String() string {
	switch s {
	case sessionSignaling:
		return "signaling"
	case sessionConnecting:
		return "connecting"
	case sessionConnected:
		return "connected"
	case sessionDisconnected:
		return "disconnected"
	case sessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s sessionState) terminal() bool {
	return s == sessionDisconnected || s == sessionFailed
}

type sessionEvent int

const (
	eventConnecting sessionEvent = iota
	eventConnected
	eventDisconnected
	eventFailed
)

type sampleWriter interface {
	WriteSample(sample media.Sample) error
}

// rtcSession is one browser's peer connection. Its lifecycle runs through
// advance, the only place state changes happen.
type rtcSession struct {
	id        string
	pc        *webrtc.PeerConnection
	audioOut  sampleWriter
	createdAt time.Time

	mu    sync.Mutex
	state sessionState

	done      chan struct{}
	closeOnce sync.Once
}

// advance applies one lifecycle event. Terminal states absorb everything;
// backwards transitions are ignored so late pion callbacks cannot revive a
// session.
func (s *rtcSession) advance(ev sessionEvent) (sessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return s.state, false
	}

	next := s.state
	switch ev {
	case eventConnecting:
		if s.state == sessionSignaling {
			next = sessionConnecting
		}
	case eventConnected:
		next = sessionConnected
	case eventDisconnected:
		next = sessionDisconnected
	case eventFailed:
		next = sessionFailed
	}

	changed := next != s.state
	s.state = next
	return next, changed
}

func (s *rtcSession) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *rtcSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.pc != nil {
			_ = s.pc.Close()
		}
	})
}

func (s *rtcSession) writeSample(sample media.Sample) {
	if s.audioOut == nil {
		return
	}
	// Write errors mean the track is going away; the connection state
	// callback handles removal.
	_ = s.audioOut.WriteSample(sample)
}

// sessionRegistry owns the set of live browser sessions. Callers get
// snapshots, never the backing map.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*rtcSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*rtcSession)}
}

func (r *sessionRegistry) Add(s *rtcSession) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) Snapshot() []*rtcSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rtcSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *sessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast fans one uplink sample out to every live session's track.
func (r *sessionRegistry) Broadcast(sample media.Sample) {
	for _, s := range r.Snapshot() {
		s.writeSample(sample)
	}
}

// rtcManager runs offer/answer signaling and owns per-session wiring:
// every accepted browser gets a local opus track fed by the uplink pacer
// and a downlink bridge feeding the devkit speaker.
type rtcManager struct {
	registry *sessionRegistry
	speaker  frameSender
	gain     float64
	log      *zap.Logger
	config   webrtc.Configuration
}

func newRTCManager(registry *sessionRegistry, speaker frameSender, gain float64, log *zap.Logger) *rtcManager {
	return &rtcManager{
		registry: registry,
		speaker:  speaker,
		gain:     gain,
		log:      log,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// HandleOffer answers one browser offer synchronously. The answer is sent
// after ICE gathering completes or the gathering budget runs out, whichever
// comes first; candidates gathered later are not trickled.
func (m *rtcManager) HandleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid session description", http.StatusBadRequest)
		return
	}

	answer, err := m.createSession(offer)
	if err != nil {
		m.log.Warn("signaling failed", zap.Error(err))
		http.Error(w, "signaling failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (m *rtcManager) createSession(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: browserSampleRate,
			Channels:  1,
		},
		"audio",
		"devkit-mic",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create uplink track: %w", err)
	}

	rtpSender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add uplink track: %w", err)
	}

	session := &rtcSession{
		id:        uuid.NewString(),
		pc:        pc,
		audioOut:  track,
		createdAt: time.Now(),
		state:     sessionSignaling,
		done:      make(chan struct{}),
	}
	log := m.log.With(zap.String("session", session.id))

	// RTCP must be drained or the interceptors stall.
	go func() {
		for {
			if _, _, err := rtpSender.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Codec().MimeType != webrtc.MimeTypeOpus {
			log.Warn("ignoring non-opus inbound track",
				zap.String("mimeType", remote.Codec().MimeType))
			return
		}
		bridge, err := newDownlinkBridge(m.speaker, m.gain, log)
		if err != nil {
			log.Warn("downlink bridge unavailable", zap.Error(err))
			return
		}
		log.Info("downlink audio started")
		go bridge.run(remote, session.done)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		ev, ok := connectionStateEvent(st)
		if !ok {
			return
		}
		state, changed := session.advance(ev)
		if !changed {
			return
		}
		log.Info("session state changed", zap.String("state", state.String()))
		if state.terminal() {
			session.close()
			m.registry.Remove(session.id)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		session.close()
		return nil, fmt.Errorf("failed to apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		session.close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		session.close()
		return nil, fmt.Errorf("failed to apply answer: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatheringTimeout):
		log.Warn("ICE gathering timed out, answering with partial candidates")
	}

	if !m.registerIfLive(session) {
		return nil, fmt.Errorf("session ended during ICE gathering")
	}
	log.Info("session created")
	return pc.LocalDescription(), nil
}

// registerIfLive adds the session unless it already reached a terminal state
// while the answer waited on ICE gathering. The removal path runs off the
// connection-state callback, which may have fired before the session was in
// the registry; adding it afterwards would leave a dead entry forever.
func (m *rtcManager) registerIfLive(session *rtcSession) bool {
	if session.State().terminal() {
		session.close()
		return false
	}
	m.registry.Add(session)
	return true
}

func connectionStateEvent(st webrtc.PeerConnectionState) (sessionEvent, bool) {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return eventConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return eventConnected, true
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return eventDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return eventFailed, true
	default:
		return 0, false
	}
}

type rtcSessionStats struct {
	ID         string  `json:"id"`
	State      string  `json:"state"`
	AgeSeconds float64 `json:"ageSeconds"`
}

func (m *rtcManager) Stats() []rtcSessionStats {
	snapshot := m.registry.Snapshot()
	out := make([]rtcSessionStats, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, rtcSessionStats{
			ID:         s.id,
			State:      s.State().String(),
			AgeSeconds: time.Since(s.createdAt).Seconds(),
		})
	}
	return out
}
