package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Federated login mode for deployments that already run an identity
// provider. The devkit token auth and the WebSocket token auth are not
// affected by the browser auth mode.

const (
	oidcSessionCookieName = "devkit_oidc_session"
	oidcStateCookieName   = "devkit_oidc_state"
)

type oidcRuntime struct {
	issuer        string
	oauth2Config  oauth2.Config
	verifier      *oidc.IDTokenVerifier
	sessionSecret []byte
}

type oidcStateCookie struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
	Next  string `json:"next"`
	Exp   int64  `json:"exp"`
}

type oidcSessionCookie struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Exp   int64  `json:"exp"`
}

func newOIDCRuntime(cfg *relayConfig) (*oidcRuntime, error) {
	if cfg.OIDCIssuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	if cfg.OIDCClientID == "" {
		return nil, fmt.Errorf("oidc client id is required")
	}
	secret := cfg.OIDCSessionSecret
	if secret == "" {
		secret = cfg.SessionSecret
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("oidc session secret is too short (min 16 chars)")
	}

	scopes := parseScopesCSV(cfg.OIDCScopes)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}

	return &oidcRuntime{
		issuer: cfg.OIDCIssuer,
		oauth2Config: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       scopes,
		},
		verifier:      provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		sessionSecret: []byte(secret),
	}, nil
}

func parseScopesCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts)+1)
	hasOpenID := false
	for _, item := range parts {
		token := strings.TrimSpace(item)
		if token == "" {
			continue
		}
		if token == "openid" {
			hasOpenID = true
		}
		out = append(out, token)
	}
	if !hasOpenID {
		out = append([]string{"openid"}, out...)
	}
	return out
}

func (ws *webServer) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if ws.oidc == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	next := sanitizeNextPath(r.URL.Query().Get("next"))
	state := generateRandomHex(24)
	nonce := generateRandomHex(24)

	statePayload := oidcStateCookie{
		State: state,
		Nonce: nonce,
		Next:  next,
		Exp:   time.Now().Add(10 * time.Minute).Unix(),
	}
	if err := ws.setSignedCookie(w, r, oidcStateCookieName, statePayload, 10*time.Minute); err != nil {
		http.Error(w, "failed to persist oidc state", http.StatusInternalServerError)
		return
	}

	oauthCfg := ws.oidc.oauth2Config
	oauthCfg.RedirectURL = ws.oidcRedirectURL(r)
	http.Redirect(w, r, oauthCfg.AuthCodeURL(state, oidc.Nonce(nonce)), http.StatusFound)
}

func (ws *webServer) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if ws.oidc == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if errText := strings.TrimSpace(r.URL.Query().Get("error")); errText != "" {
		http.Error(w, fmt.Sprintf("oidc authentication failed: %s", errText), http.StatusUnauthorized)
		return
	}

	var stateCookie oidcStateCookie
	if err := ws.readSignedCookie(r, oidcStateCookieName, &stateCookie); err != nil {
		http.Error(w, "missing oidc state", http.StatusUnauthorized)
		return
	}
	if stateCookie.Exp < time.Now().Unix() {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "oidc state expired", http.StatusUnauthorized)
		return
	}
	if !secureStringEqual(strings.TrimSpace(r.URL.Query().Get("state")), stateCookie.State) {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "oidc state mismatch", http.StatusUnauthorized)
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "missing oidc code", http.StatusUnauthorized)
		return
	}

	oauthCfg := ws.oidc.oauth2Config
	oauthCfg.RedirectURL = ws.oidcRedirectURL(r)
	oauthToken, err := oauthCfg.Exchange(r.Context(), code)
	if err != nil {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "oidc code exchange failed", http.StatusUnauthorized)
		return
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "missing id_token", http.StatusUnauthorized)
		return
	}

	idToken, err := ws.oidc.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "invalid id_token", http.StatusUnauthorized)
		return
	}

	claims := struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
		Nonce string `json:"nonce"`
		Exp   int64  `json:"exp"`
	}{}
	if err := idToken.Claims(&claims); err != nil || claims.Sub == "" {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "failed to parse id_token claims", http.StatusUnauthorized)
		return
	}
	if !secureStringEqual(claims.Nonce, stateCookie.Nonce) {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "oidc nonce mismatch", http.StatusUnauthorized)
		return
	}

	sessionExp := claims.Exp
	if sessionExp <= time.Now().Unix() {
		sessionExp = time.Now().Add(8 * time.Hour).Unix()
	}
	ttl := time.Until(time.Unix(sessionExp, 0))
	if ttl > sessionTTL {
		ttl = sessionTTL
	}

	sessionPayload := oidcSessionCookie{
		Sub:   claims.Sub,
		Email: claims.Email,
		Name:  claims.Name,
		Exp:   sessionExp,
	}
	if err := ws.setSignedCookie(w, r, oidcSessionCookieName, sessionPayload, ttl); err != nil {
		ws.clearCookie(w, r, oidcStateCookieName)
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}

	ws.clearCookie(w, r, oidcStateCookieName)
	http.Redirect(w, r, sanitizeNextPath(stateCookie.Next), http.StatusFound)
}

func (ws *webServer) readOIDCSession(r *http.Request) (oidcSessionCookie, bool) {
	var payload oidcSessionCookie
	if ws.oidc == nil {
		return payload, false
	}
	if err := ws.readSignedCookie(r, oidcSessionCookieName, &payload); err != nil {
		return payload, false
	}
	if payload.Sub == "" || payload.Exp <= time.Now().Unix() {
		return payload, false
	}
	return payload, true
}

func (ws *webServer) setSignedCookie(w http.ResponseWriter, r *http.Request, name string, payload any, ttl time.Duration) error {
	token, err := encodeSignedPayload(ws.oidc.sessionSecret, payload)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(ttl),
		MaxAge:   int(ttl.Seconds()),
	})
	return nil
}

func (ws *webServer) readSignedCookie(r *http.Request, name string, out any) error {
	cookie, err := r.Cookie(name)
	if err != nil {
		return err
	}
	return decodeSignedPayload(ws.oidc.sessionSecret, cookie.Value, out)
}

func (ws *webServer) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (ws *webServer) oidcRedirectURL(r *http.Request) string {
	if configured := strings.TrimSpace(ws.oidc.oauth2Config.RedirectURL); configured != "" {
		return configured
	}
	scheme := "http"
	if isRequestSecure(r) {
		scheme = "https"
	}
	host := requestHost(r)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s/auth/callback", scheme, host)
}

func sanitizeNextPath(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.IsAbs() {
		return "/"
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return path
}

func requestHost(r *http.Request) string {
	if headerHost := firstForwardedValue(r.Header.Get("X-Forwarded-Host")); headerHost != "" {
		return headerHost
	}
	return strings.TrimSpace(r.Host)
}

func isRequestSecure(r *http.Request) bool {
	if proto := firstForwardedValue(r.Header.Get("X-Forwarded-Proto")); strings.EqualFold(proto, "https") {
		return true
	}
	return r.TLS != nil
}

func firstForwardedValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, ","); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func encodeSignedPayload(secret []byte, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(data)
	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSignedPayload(secret []byte, token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid signed token format")
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("invalid signed token payload")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("invalid signed token signature")
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(data)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return fmt.Errorf("signed token verification failed")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid signed token json: %w", err)
	}
	return nil
}
