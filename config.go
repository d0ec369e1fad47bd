package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type relayConfig struct {
	HTTPPort       int
	TCPPort        int
	MicUDPPort     int
	SpeakerUDPPort int

	AuthUsername  string
	AuthPassword  string
	AuthToken     string
	SessionSecret string

	SpeakerGain float64
	PublicDir   string

	LogLevel  string
	LogFormat string

	AuthMode          string
	OIDCIssuer        string
	OIDCClientID      string
	OIDCClientSecret  string
	OIDCRedirectURL   string
	OIDCScopes        string
	OIDCSessionSecret string
}

const (
	authModePassword = "password"
	authModeOIDC     = "oidc"
)

func parseConfig() (*relayConfig, error) {
	httpPort := flag.Int("http-port", getenvIntOrDefault("HTTP_PORT", 3000), "HTTP/WebSocket listen port")
	tcpPort := flag.Int("tcp-port", getenvIntOrDefault("TCP_PORT", 5000), "devkit control channel listen port")
	micPort := flag.Int("udp-port", getenvIntOrDefault("UDP_PORT", 5001), "devkit microphone UDP listen port")
	speakerPort := flag.Int("speaker-port", getenvIntOrDefault("SPEAKER_UDP_PORT", 5002), "devkit speaker UDP listen port")
	authUser := flag.String("auth-username", getenvOrDefault("AUTH_USERNAME", "admin"), "web login username")
	authPass := flag.String("auth-password", getenvOrDefault("AUTH_PASSWORD", "changeme123"), "web login password")
	authToken := flag.String("auth-token", getenvOrDefault("AUTH_TOKEN", "devkit-secret-token"), "shared token for devkit and websocket auth")
	sessionSecret := flag.String("session-secret", os.Getenv("SESSION_SECRET"), "session cookie signing secret (random when empty)")
	speakerGain := flag.Float64("speaker-gain", getenvFloatOrDefault("SPEAKER_GAIN", 2.0), "linear gain applied to speaker audio")
	publicDir := flag.String("public-dir", getenvOrDefault("PUBLIC_DIR", "public"), "directory with static web assets")
	logLevel := flag.String("log-level", getenvOrDefault("LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	logFormat := flag.String("log-format", getenvOrDefault("LOG_FORMAT", "console"), "log format: console|json")
	authMode := flag.String("auth-mode", getenvOrDefault("AUTH_MODE", authModePassword), "browser auth mode: password|oidc")
	oidcIssuer := flag.String("oidc-issuer", os.Getenv("OIDC_ISSUER"), "OIDC issuer URL (auth-mode=oidc)")
	oidcClientID := flag.String("oidc-client-id", os.Getenv("OIDC_CLIENT_ID"), "OIDC client ID (auth-mode=oidc)")
	oidcClientSecret := flag.String("oidc-client-secret", os.Getenv("OIDC_CLIENT_SECRET"), "OIDC client secret (auth-mode=oidc)")
	oidcRedirectURL := flag.String("oidc-redirect-url", os.Getenv("OIDC_REDIRECT_URL"), "OIDC redirect URL override (auth-mode=oidc)")
	oidcScopes := flag.String("oidc-scopes", getenvOrDefault("OIDC_SCOPES", "openid,profile,email"), "OIDC scopes CSV (auth-mode=oidc)")
	oidcSessionSecret := flag.String("oidc-session-secret", os.Getenv("OIDC_SESSION_SECRET"), "OIDC cookie signing secret (auth-mode=oidc)")
	flag.Parse()

	mode := strings.ToLower(strings.TrimSpace(*authMode))
	switch mode {
	case authModePassword, authModeOIDC:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", *authMode)
	}

	cfg := &relayConfig{
		HTTPPort:          *httpPort,
		TCPPort:           *tcpPort,
		MicUDPPort:        *micPort,
		SpeakerUDPPort:    *speakerPort,
		AuthUsername:      strings.TrimSpace(*authUser),
		AuthPassword:      *authPass,
		AuthToken:         strings.TrimSpace(*authToken),
		SessionSecret:     strings.TrimSpace(*sessionSecret),
		SpeakerGain:       *speakerGain,
		PublicDir:         strings.TrimSpace(*publicDir),
		LogLevel:          strings.TrimSpace(*logLevel),
		LogFormat:         strings.TrimSpace(*logFormat),
		AuthMode:          mode,
		OIDCIssuer:        strings.TrimSpace(*oidcIssuer),
		OIDCClientID:      strings.TrimSpace(*oidcClientID),
		OIDCClientSecret:  strings.TrimSpace(*oidcClientSecret),
		OIDCRedirectURL:   strings.TrimSpace(*oidcRedirectURL),
		OIDCScopes:        strings.TrimSpace(*oidcScopes),
		OIDCSessionSecret: strings.TrimSpace(*oidcSessionSecret),
	}

	for _, port := range []int{cfg.HTTPPort, cfg.TCPPort, cfg.MicUDPPort, cfg.SpeakerUDPPort} {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("port %d is out of range", port)
		}
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token must not be empty")
	}
	if cfg.SpeakerGain <= 0 {
		return nil, fmt.Errorf("speaker gain must be positive")
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = generateRandomHex(32)
	}

	return cfg, nil
}

func getenvOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatOrDefault(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
