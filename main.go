package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

// run wires the pipeline and blocks until shutdown. Any listener that fails
// to bind aborts startup; a relay that cannot hear the device or the
// browsers has nothing to do.
func run(cfg *relayConfig, logger *zap.Logger) error {
	var oidcRT *oidcRuntime
	if cfg.AuthMode == authModeOIDC {
		rt, err := newOIDCRuntime(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize oidc: %w", err)
		}
		oidcRT = rt
		logger.Info("oidc authentication enabled", zap.String("issuer", rt.issuer))
	}

	speaker, err := newSpeakerEndpoint(cfg.SpeakerUDPPort, logger.Named("speaker"))
	if err != nil {
		return err
	}
	defer speaker.Close()

	registry := newSessionRegistry()
	rtc := newRTCManager(registry, speaker, cfg.SpeakerGain, logger.Named("rtc"))

	encoder, err := newOpusEncoderEngine(deviceSampleRate, 1)
	if err != nil {
		return err
	}

	buffer := newJitterBuffer(jitterBufferCapacity)
	mic, err := newMicServer(cfg.MicUDPPort, buffer, encoder, registry.Broadcast, logger.Named("mic"))
	if err != nil {
		return err
	}
	defer mic.Close()

	// The hub and the devkit server reference each other through callbacks;
	// the hub side is filled in after both exist.
	var hub *wsHub
	devkit, err := newDevkitServer(cfg.TCPPort, cfg.AuthToken, devkitCallbacks{
		onStatus: func(status devkitStatus) {
			hub.Broadcast(wsEnvelope{
				Type:      "devkit_status",
				Devkit:    &status,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		},
		onMessage: func(message string) {
			hub.Broadcast(wsEnvelope{
				Type:      "devkit_message",
				Data:      message,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		},
		onAudio: func(size int) {
			hub.Broadcast(wsEnvelope{
				Type: "devkit_message",
				Data: fmt.Sprintf("audio chunk over control channel (%d bytes)", size),
			})
		},
	}, logger.Named("control"))
	if err != nil {
		return err
	}
	defer devkit.Close()

	hub = newWSHub(cfg.AuthToken, devkit, logger.Named("ws"))

	web := &webServer{
		cfg:     cfg,
		store:   newSessionStore(cfg.SessionSecret),
		devkit:  devkit,
		rtc:     rtc,
		mic:     mic,
		speaker: speaker,
		hub:     hub,
		oidc:    oidcRT,
		log:     logger.Named("http"),
	}

	speaker.Start()
	mic.Start()
	devkit.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.HTTPPort),
		Handler:           web.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			zap.Int("httpPort", cfg.HTTPPort),
			zap.Int("tcpPort", cfg.TCPPort),
			zap.Int("micPort", cfg.MicUDPPort),
			zap.Int("speakerPort", cfg.SpeakerUDPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	for _, session := range registry.Snapshot() {
		session.close()
		registry.Remove(session.id)
	}
	return nil
}
