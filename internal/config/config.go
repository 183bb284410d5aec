// Package config holds the firmware's configuration surface: the five
// groups named in the spec (Audio/WakeWord/WiFi/TLS/WebSocket), a
// Default() constructor, and a flag-parsed CLI loader with an optional
// JSON-file overlay. Grounded on the reviewed client's internal/config
// package shape (plain struct, Default(), explicit field list) and the
// reviewed server's main.go flag.String/Duration/Int pattern — but unlike
// the reviewed client, this loader never writes its own state back to
// disk: "no persisted state is specified by this core; any provisioning
// persistence is an external collaborator contract."
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// Audio covers the spec's audio configuration group.
type Audio struct {
	SampleRate     uint32
	FrameSamples   int
	BufferCount    int
	VadSensitivity float64
	GainDB         float64
}

// WakeWord covers the spec's wake-word configuration group. ModelPath and
// OnnxLibPath name the on-disk locations this Go rendering reads the
// embedded model bytes and the onnxruntime shared library from; the spec
// treats the model artifact itself as an immutable byte slice the firmware
// owns, a detail left to the build/provisioning step this core doesn't
// prescribe.
type WakeWord struct {
	Threshold           float64
	TriggerDurationMS    int
	UseExternalRAM       bool
	ModelPath            string
	OnnxLibPath          string
	ModelSchemaVersion   int
	InputScale, InputZero   float64
	OutputScale, OutputZero float64
}

// WiFi covers the spec's Wi-Fi configuration group.
type WiFi struct {
	SSID              string
	Password          string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxRetries        int
}

// TLS covers the spec's TLS configuration group. The three PEM fields hold
// file paths, not inline PEM text, so the JSON overlay and CLI flags stay
// human-typeable; cmd/voiceedge reads the files at startup.
type TLS struct {
	CACertPath         string
	ClientCertPath     string
	ClientKeyPath      string
	HandshakeTimeout   time.Duration
	VerifyPeer         bool
	ExpectedCommonName string
}

// WebSocket covers the spec's WebSocket configuration group.
type WebSocket struct {
	URI                 string
	Room                string
	KeepAliveInterval   time.Duration
	ConnectionTimeout   time.Duration
	MaxMessageSizeBytes int64
	SupervisionInterval time.Duration
}

// Config is the complete configuration surface consumed by cmd/voiceedge.
type Config struct {
	Audio     Audio
	WakeWord  WakeWord
	WiFi      WiFi
	TLS       TLS
	WebSocket WebSocket
}

// Default returns a Config populated with the spec's documented defaults
// (20ms/320-sample frames at 16kHz, a 200ms trigger duration, mTLS
// verification on).
func Default() Config {
	return Config{
		Audio: Audio{
			SampleRate:     16000,
			FrameSamples:   320,
			BufferCount:    4,
			VadSensitivity: 0.5,
			GainDB:         0,
		},
		WakeWord: WakeWord{
			Threshold:          0.5,
			TriggerDurationMS:  200,
			UseExternalRAM:     false,
			ModelSchemaVersion: 1,
			InputScale:         1.0 / 128.0,
			OutputScale:        1.0 / 128.0,
		},
		WiFi: WiFi{
			AutoReconnect:     true,
			ReconnectInterval: 2 * time.Second,
			MaxRetries:        8,
		},
		TLS: TLS{
			HandshakeTimeout: 10 * time.Second,
			VerifyPeer:       true,
		},
		WebSocket: WebSocket{
			Room:                "default",
			KeepAliveInterval:   20 * time.Second,
			ConnectionTimeout:   10 * time.Second,
			MaxMessageSizeBytes: 64 * 1024,
			SupervisionInterval: 5 * time.Second,
		},
	}
}

// Overlay merges the JSON file at path onto base. Only fields present in
// the file override base's value; missing fields keep base's default.
// Overlay never writes path back — there is no Save counterpart, per the
// no-persistence contract.
func Overlay(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse overlay %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds a Config from CLI args (flag-parsed, grounded on the
// reviewed server's main.go flag.String/Duration/Int pattern), optionally
// layering a JSON overlay named by -config-file before flags are applied
// so explicit flags always win over the file.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("voiceedge", flag.ContinueOnError)
	configFile := fs.String("config-file", "", "optional JSON file overlaying the default configuration")

	sampleRate := fs.Uint("sample-rate", uint(cfg.Audio.SampleRate), "microphone sample rate in Hz")
	frameSamples := fs.Int("frame-samples", cfg.Audio.FrameSamples, "PCM frame length in samples")
	bufferCount := fs.Int("buffer-count", cfg.Audio.BufferCount, "frame buffer count; not read by any component (the capture loop uses one frame buffer)")
	vadSensitivity := fs.Float64("vad-sensitivity", cfg.Audio.VadSensitivity, "VAD sensitivity in [0,1]")
	gainDB := fs.Float64("gain-db", cfg.Audio.GainDB, "static capture gain in dB")

	threshold := fs.Float64("threshold", cfg.WakeWord.Threshold, "wake-word confidence threshold in [0,1]")
	triggerDurationMS := fs.Int("trigger-duration-ms", cfg.WakeWord.TriggerDurationMS, "sustained-confidence window required to fire, in ms")
	useExternalRAM := fs.Bool("use-external-ram", cfg.WakeWord.UseExternalRAM, "prefer external RAM for the tensor arena if present")
	modelPath := fs.String("model-path", cfg.WakeWord.ModelPath, "path to the embedded INT8 wake-word model")
	onnxLibPath := fs.String("onnx-lib-path", cfg.WakeWord.OnnxLibPath, "path to the onnxruntime shared library")

	ssid := fs.String("wifi-ssid", cfg.WiFi.SSID, "Wi-Fi SSID")
	password := fs.String("wifi-password", cfg.WiFi.Password, "Wi-Fi password (WPA2-PSK)")
	autoReconnect := fs.Bool("wifi-auto-reconnect", cfg.WiFi.AutoReconnect, "auto-reconnect setting; not read by wifi.Link, which always retries association with backoff up to wifi-max-retries")
	reconnectInterval := fs.Duration("wifi-reconnect-interval", cfg.WiFi.ReconnectInterval, "base backoff interval between association retries")
	maxRetries := fs.Int("wifi-max-retries", cfg.WiFi.MaxRetries, "maximum association retries before giving up")

	caCertPath := fs.String("tls-ca-cert", cfg.TLS.CACertPath, "path to the CA certificate PEM")
	clientCertPath := fs.String("tls-client-cert", cfg.TLS.ClientCertPath, "path to the client certificate PEM")
	clientKeyPath := fs.String("tls-client-key", cfg.TLS.ClientKeyPath, "path to the client private key PEM")
	handshakeTimeout := fs.Duration("tls-handshake-timeout", cfg.TLS.HandshakeTimeout, "TLS handshake timeout")
	verifyPeer := fs.Bool("tls-verify-peer", cfg.TLS.VerifyPeer, "require mutual TLS peer verification")
	expectedCN := fs.String("tls-expected-cn", cfg.TLS.ExpectedCommonName, "expected server certificate CommonName")

	uri := fs.String("ws-uri", cfg.WebSocket.URI, "backend WebSocket URI (wss://host[:port]/path)")
	room := fs.String("ws-room", cfg.WebSocket.Room, "room identifier sent in the session config frame")
	keepAlive := fs.Duration("ws-keep-alive", cfg.WebSocket.KeepAliveInterval, "idle keep-alive ping interval")
	connTimeout := fs.Duration("ws-connect-timeout", cfg.WebSocket.ConnectionTimeout, "WebSocket dial timeout")
	maxMsg := fs.Int64("ws-max-message-bytes", cfg.WebSocket.MaxMessageSizeBytes, "maximum accepted WebSocket message size in bytes")
	supervisionInterval := fs.Duration("supervision-interval", cfg.WebSocket.SupervisionInterval, "link-health supervision polling interval (floor 5s)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		overlaid, err := Overlay(cfg, *configFile)
		if err != nil {
			return Config{}, err
		}
		cfg = overlaid
	}

	// Explicit flags always win over the overlay file: fs.Visit only calls
	// back for flags actually present on the command line.
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "sample-rate":
			cfg.Audio.SampleRate = uint32(*sampleRate)
		case "frame-samples":
			cfg.Audio.FrameSamples = *frameSamples
		case "buffer-count":
			cfg.Audio.BufferCount = *bufferCount
		case "vad-sensitivity":
			cfg.Audio.VadSensitivity = *vadSensitivity
		case "gain-db":
			cfg.Audio.GainDB = *gainDB
		case "threshold":
			cfg.WakeWord.Threshold = *threshold
		case "trigger-duration-ms":
			cfg.WakeWord.TriggerDurationMS = *triggerDurationMS
		case "use-external-ram":
			cfg.WakeWord.UseExternalRAM = *useExternalRAM
		case "model-path":
			cfg.WakeWord.ModelPath = *modelPath
		case "onnx-lib-path":
			cfg.WakeWord.OnnxLibPath = *onnxLibPath
		case "wifi-ssid":
			cfg.WiFi.SSID = *ssid
		case "wifi-password":
			cfg.WiFi.Password = *password
		case "wifi-auto-reconnect":
			cfg.WiFi.AutoReconnect = *autoReconnect
		case "wifi-reconnect-interval":
			cfg.WiFi.ReconnectInterval = *reconnectInterval
		case "wifi-max-retries":
			cfg.WiFi.MaxRetries = *maxRetries
		case "tls-ca-cert":
			cfg.TLS.CACertPath = *caCertPath
		case "tls-client-cert":
			cfg.TLS.ClientCertPath = *clientCertPath
		case "tls-client-key":
			cfg.TLS.ClientKeyPath = *clientKeyPath
		case "tls-handshake-timeout":
			cfg.TLS.HandshakeTimeout = *handshakeTimeout
		case "tls-verify-peer":
			cfg.TLS.VerifyPeer = *verifyPeer
		case "tls-expected-cn":
			cfg.TLS.ExpectedCommonName = *expectedCN
		case "ws-uri":
			cfg.WebSocket.URI = *uri
		case "ws-room":
			cfg.WebSocket.Room = *room
		case "ws-keep-alive":
			cfg.WebSocket.KeepAliveInterval = *keepAlive
		case "ws-connect-timeout":
			cfg.WebSocket.ConnectionTimeout = *connTimeout
		case "ws-max-message-bytes":
			cfg.WebSocket.MaxMessageSizeBytes = *maxMsg
		case "supervision-interval":
			cfg.WebSocket.SupervisionInterval = *supervisionInterval
		}
	})

	return cfg, Validate(cfg)
}

// Validate rejects a handful of configurations that would otherwise fail
// deep inside component initialization with a less useful error.
func Validate(cfg Config) error {
	if cfg.TLS.VerifyPeer && cfg.TLS.ExpectedCommonName == "" {
		return fmt.Errorf("config: tls-verify-peer is set but tls-expected-cn is empty")
	}
	if cfg.WebSocket.URI == "" {
		return fmt.Errorf("config: ws-uri is required")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return fmt.Errorf("config: frame-samples must be positive")
	}
	return nil
}
