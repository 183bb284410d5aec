// Command voiceedge is the always-listening voice-endpoint firmware core:
// capture -> VAD -> wake-word detection -> networked streaming, composed
// from the internal/ packages. Grounded on the reviewed server's main.go
// flag-parse -> construct -> wire-callbacks -> signal-handler -> run
// shape, with the reviewed server's HTTP/SQLite/multi-room/ICE machinery
// entirely absent (out of this firmware's scope).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voiceedge/internal/audio"
	"voiceedge/internal/audiosource"
	"voiceedge/internal/config"
	"voiceedge/internal/netmgr"
	"voiceedge/internal/tlssession"
	"voiceedge/internal/wakeword"
	"voiceedge/internal/wifi"
	"voiceedge/internal/wsclient"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "main")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	tlsSession, err := loadTLSSession(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	defer tlsSession.Close()

	wifiLink := wifi.New(wifi.Config{
		SSID:              cfg.WiFi.SSID,
		Password:          cfg.WiFi.Password,
		AutoReconnect:     cfg.WiFi.AutoReconnect,
		ReconnectInterval: cfg.WiFi.ReconnectInterval,
		MaxRetries:        cfg.WiFi.MaxRetries,
	}, hostRadio{})

	wsConn := wsclient.New(wsclient.Config{
		ConnectionTimeout:   cfg.WebSocket.ConnectionTimeout,
		KeepAliveInterval:   cfg.WebSocket.KeepAliveInterval,
		MaxMessageSizeBytes: cfg.WebSocket.MaxMessageSizeBytes,
	})

	netMgr := netmgr.New(netmgr.Config{
		URI:                 cfg.WebSocket.URI,
		Room:                cfg.WebSocket.Room,
		SampleRate:          cfg.Audio.SampleRate,
		SupervisionInterval: cfg.WebSocket.SupervisionInterval,
	}, wifiLink, tlsSession, wsConn, log)

	netMgr.SetMessageCallback(func(text string) {
		log.Info("server message", "text", text)
	})

	detector := wakeword.New(wakeword.Config{
		OnnxLibPath:     cfg.WakeWord.OnnxLibPath,
		Threshold:       cfg.WakeWord.Threshold,
		TriggerDuration: time.Duration(cfg.WakeWord.TriggerDurationMS) * time.Millisecond,
	})
	if err := detector.Initialize(wakeword.ModelInfo{
		ModelPath:     cfg.WakeWord.ModelPath,
		SchemaVersion: cfg.WakeWord.ModelSchemaVersion,
		InputScale:    cfg.WakeWord.InputScale,
		InputZero:     cfg.WakeWord.InputZero,
		OutputScale:   cfg.WakeWord.OutputScale,
		OutputZero:    cfg.WakeWord.OutputZero,
	}); err != nil {
		return fmt.Errorf("wakeword: %w", err)
	}
	defer detector.Close()
	if detector.Stats().Biased {
		log.Warn("wake-word model failed the zero-input sanity gate (biased_model)")
	}

	micSource := audiosource.NewMalgoSource(cfg.Audio.FrameSamples, cfg.Audio.SampleRate)
	audioMgr := audio.New(micSource, detector, log)
	audioMgr.SetGain(cfg.Audio.GainDB)
	audioMgr.SetVadSensitivity(cfg.Audio.VadSensitivity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := newSessionCoordinator(ctx, audioMgr, netMgr, cfg.WebSocket.Room, log)
	detector.SetDetectionCallback(coord.onWake)
	audioMgr.SetAudioDataCallback(coord.onAudioFrame)
	netMgr.SetErrorCallback(coord.onNetworkError)

	if err := netMgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer netMgr.Disconnect()

	if err := audioMgr.StartCapture(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer audioMgr.StopCapture()

	go coord.watchSilence(ctx)

	log.Info("voiceedge running", "uri", cfg.WebSocket.URI, "room", cfg.WebSocket.Room)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func loadTLSSession(cfg config.TLS) (*tlssession.Session, error) {
	ca, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	clientCert, err := os.ReadFile(cfg.ClientCertPath)
	if err != nil {
		return nil, fmt.Errorf("read client cert: %w", err)
	}
	clientKey, err := os.ReadFile(cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	return tlssession.Load(tlssession.Config{
		CACertPEM:          ca,
		ClientCertPEM:      clientCert,
		ClientKeyPEM:       clientKey,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		VerifyPeer:         cfg.VerifyPeer,
		ExpectedCommonName: cfg.ExpectedCommonName,
	})
}
