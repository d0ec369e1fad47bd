package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxUploadBytes = 1 << 20

// webServer ties the HTTP surface together: browser auth, signaling, the
// control WebSocket, and the status/ops endpoints.
type webServer struct {
	cfg     *relayConfig
	store   *sessionStore
	devkit  *devkitServer
	rtc     *rtcManager
	mic     *micServer
	speaker *speakerEndpoint
	hub     *wsHub
	oidc    *oidcRuntime
	log     *zap.Logger
}

func (ws *webServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", ws.handleLogin)
	mux.HandleFunc("/api/logout", ws.handleLogout)
	mux.HandleFunc("/api/check-auth", ws.handleCheckAuth)
	mux.HandleFunc("/api/token", ws.handleToken)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/send", ws.handleSend)
	mux.HandleFunc("/api/upload", ws.handleUpload)
	mux.HandleFunc("/api/offer", ws.rtc.HandleOffer)
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/ws", ws.hub.HandleWS)

	if ws.oidc != nil {
		mux.HandleFunc("/auth/login", ws.handleOIDCLogin)
		mux.HandleFunc("/auth/callback", ws.handleOIDCCallback)
		mux.HandleFunc("/auth/check", ws.handleOIDCCheck)
		mux.HandleFunc("/auth/logout", ws.handleOIDCLogout)
	}

	if dir := ws.staticDir(); dir != "" {
		mux.Handle("/", http.FileServer(http.Dir(dir)))
	}

	return ws.authMiddleware(mux)
}

func (ws *webServer) staticDir() string {
	if ws.cfg.PublicDir == "" {
		return ""
	}
	if _, err := os.Stat(ws.cfg.PublicDir); err != nil {
		ws.log.Warn("static asset directory unavailable",
			zap.String("dir", ws.cfg.PublicDir), zap.Error(err))
		return ""
	}
	return ws.cfg.PublicDir
}

// authMiddleware gates everything except the public endpoints. The control
// bridge endpoint passes through because the hub runs its own token
// handshake after the upgrade; the upload endpoint accepts the device
// bearer token instead of a cookie. Nothing is decided on request headers
// a client can spoof.
func (ws *webServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		publicPaths := []string{"/login.html", "/api/login", "/api/check-auth", "/api/upload", "/health", "/auth/"}
		for _, p := range publicPaths {
			if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if ws.isAuthorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			return
		}
		if ws.oidc != nil {
			http.Redirect(w, r, "/auth/login?next="+r.URL.Path, http.StatusFound)
			return
		}
		http.Redirect(w, r, "/login.html?redirect="+r.URL.Path, http.StatusFound)
	})
}

func (ws *webServer) isAuthorized(r *http.Request) bool {
	if ws.oidc != nil {
		_, ok := ws.readOIDCSession(r)
		return ok
	}
	_, ok := ws.store.Validate(sessionFromRequest(r))
	return ok
}

func (ws *webServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ws.oidc != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "password login is disabled, use /auth/login",
		})
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if secureStringEqual(creds.Username, ws.cfg.AuthUsername) &&
		secureStringEqual(creds.Password, ws.cfg.AuthPassword) {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    ws.store.Create(creds.Username),
			Path:     "/",
			HttpOnly: true,
			MaxAge:   int(sessionTTL.Seconds()),
			SameSite: http.SameSiteLaxMode,
		})
		ws.log.Info("user logged in", zap.String("username", creds.Username))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	ws.log.Warn("failed login attempt", zap.String("username", creds.Username))
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"success": false,
		"error":   "invalid username or password",
	})
}

func (ws *webServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	ws.store.Destroy(sessionFromRequest(r))
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (ws *webServer) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	if ws.oidc != nil {
		if session, ok := ws.readOIDCSession(r); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"authenticated": true,
				"username":      session.Sub,
			})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
		return
	}

	if username, ok := ws.store.Validate(sessionFromRequest(r)); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"username":      username,
		})
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
}

// handleToken hands the shared control token to a logged-in browser so it
// can complete the WebSocket handshake. The middleware gates it: no valid
// session, no token.
func (ws *webServer) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": ws.cfg.AuthToken})
}

func (ws *webServer) handleOIDCCheck(w http.ResponseWriter, r *http.Request) {
	if _, ok := ws.readOIDCSession(r); ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (ws *webServer) handleOIDCLogout(w http.ResponseWriter, r *http.Request) {
	ws.clearCookie(w, r, oidcSessionCookieName)
	ws.clearCookie(w, r, oidcStateCookieName)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (ws *webServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus reports device, session, and pipeline counters. It works
// with no device and no browsers connected.
func (ws *webServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"devkit": ws.devkit.Status(),
		"server": map[string]any{
			"httpPort":    ws.cfg.HTTPPort,
			"tcpPort":     ws.cfg.TCPPort,
			"udpPort":     ws.cfg.MicUDPPort,
			"speakerPort": ws.cfg.SpeakerUDPPort,
		},
		"webClients": ws.hub.ClientCount(),
		"sessions":   ws.rtc.Stats(),
	}
	if ws.mic != nil {
		status["mic"] = ws.mic.Stats()
	}
	if ws.speaker != nil {
		status["speaker"] = ws.speaker.Stats()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSend forwards one command to the devkit over the control channel.
func (ws *webServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "no message provided",
		})
		return
	}

	if err := ws.devkit.Send(req.Message); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	ws.hub.Broadcast(wsEnvelope{
		Type:      "sent_to_devkit",
		Data:      req.Message,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleUpload accepts device-originated blobs (logs, snapshots). The devkit
// has no browser session, so it authenticates with the shared bearer token.
func (ws *webServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !secureStringEqual(bearerToken(r), ws.cfg.AuthToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
		return
	}

	ws.log.Info("devkit upload received", zap.Int("bytes", len(body)))
	ws.hub.Broadcast(wsEnvelope{
		Type:      "devkit_message",
		Data:      fmt.Sprintf("upload received (%d bytes)", len(body)),
		Timestamp: time.Now().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bytes": len(body)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
