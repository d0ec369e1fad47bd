package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	sessionCookieName = "session"
	sessionTTL        = 24 * time.Hour
)

type webSession struct {
	username  string
	createdAt time.Time
}

// sessionStore issues and validates signed browser sessions. The cookie
// value is "<id>.<hex HMAC-SHA256(id)>"; the id indexes the in-memory table,
// so a restart logs everyone out.
type sessionStore struct {
	secret []byte

	mu       sync.RWMutex
	sessions map[string]*webSession
}

func newSessionStore(secret string) *sessionStore {
	return &sessionStore{
		secret:   []byte(secret),
		sessions: make(map[string]*webSession),
	}
}

// Create registers a fresh session and returns the signed cookie value.
func (s *sessionStore) Create(username string) string {
	id := generateRandomHex(32)
	s.mu.Lock()
	s.sessions[id] = &webSession{username: username, createdAt: time.Now()}
	s.mu.Unlock()
	return s.sign(id)
}

// Validate checks the signature, the table entry, and the expiry. Expired
// sessions are removed on the spot.
func (s *sessionStore) Validate(cookieValue string) (string, bool) {
	id, ok := s.verify(cookieValue)
	if !ok {
		return "", false
	}

	s.mu.RLock()
	session, exists := s.sessions[id]
	s.mu.RUnlock()
	if !exists {
		return "", false
	}

	if time.Since(session.createdAt) > sessionTTL {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return "", false
	}
	return session.username, true
}

func (s *sessionStore) Destroy(cookieValue string) {
	id, ok := s.verify(cookieValue)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *sessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *sessionStore) sign(id string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (s *sessionStore) verify(signed string) (string, bool) {
	parts := strings.SplitN(signed, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	id, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(id))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", false
	}
	return id, true
}

func sessionFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) >= len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func secureStringEqual(a string, b string) bool {
	sumA := sha256.Sum256([]byte(a))
	sumB := sha256.Sum256([]byte(b))
	if subtle.ConstantTimeCompare(sumA[:], sumB[:]) != 1 {
		return false
	}
	return len(a) == len(b)
}

func generateRandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
