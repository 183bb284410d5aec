// Package netmgr implements the NetworkManager component: it composes
// WifiLink, TlsSession, and WebSocketClient into a single session
// lifecycle, negotiates the application-level audio session (config/eof
// control frames), and supervises link health. Grounded on the reviewed
// client's adaptBitrateLoop (a 5s time.Ticker sampling link quality) and
// sendLoop's consecutive-failure circuit breaker, both reinterpreted from
// call-quality telemetry into link-state supervision and streaming
// write-failure accounting.
package netmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voiceedge/internal/ferr"
	"voiceedge/internal/proto"
)

// State is the NetworkManager's connection state machine, unchanged from
// the spec: DISCONNECTED -> CONNECTING_WIFI -> CONNECTING_TLS -> CONNECTED
// -> (AUDIO_ACTIVE) -> CONNECTED -> DISCONNECTED.
type State int

const (
	Disconnected State = iota
	ConnectingWifi
	ConnectingTLS
	Connected
	AudioActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectingWifi:
		return "connecting_wifi"
	case ConnectingTLS:
		return "connecting_tls"
	case Connected:
		return "connected"
	case AudioActive:
		return "audio_active"
	default:
		return "unknown"
	}
}

// WifiLink is the capability NetworkManager needs from the Wi-Fi layer;
// satisfied by *wifi.Link. Kept as an interface per the capability-object
// redesign (spec section 9) so NetworkManager never depends on a concrete
// radio implementation.
type WifiLink interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	SetStatusCallback(fn func(connected bool))
}

// CredentialStore is the capability NetworkManager needs from the TLS
// layer; satisfied by *tlssession.Session.
type CredentialStore interface {
	TLSConfig() *tls.Config
	HandshakeTimeout() time.Duration
	Close()
}

// Transport is the capability NetworkManager needs from the WebSocket
// layer; satisfied by *wsclient.Client.
type Transport interface {
	ConnectTLS(ctx context.Context, uri string, tlsConfig *tls.Config) error
	Disconnect()
	SendText(data []byte) error
	SendBinary(data []byte) error
	IsConnected() bool
	SetOnMessage(fn func(isText bool, data []byte))
	SetOnError(fn func(err error))
	SetOnConnection(fn func(connected bool))
}

// Config tunes session negotiation and supervision timing.
type Config struct {
	URI                 string
	Room                string
	SampleRate          uint32
	SupervisionInterval time.Duration // polling period for the health-supervision task; floor 5s per spec
}

func (c *Config) setDefaults() {
	if c.SupervisionInterval < 5*time.Second {
		c.SupervisionInterval = 5 * time.Second
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
}

// Stats exposes monotonic session counters, safe to read without locking.
type Stats struct {
	BinaryFramesSent    uint64
	WriteFailures       uint64
	SessionStateDropped uint64 // SendAudioData calls rejected because audio_session != ACTIVE
}

// Manager is the NetworkManager component. It exclusively owns the
// Wi-Fi link, the TLS credential bundle, and the WebSocket handle; it
// never touches audio ring buffers directly (spec section 3's ownership
// invariant) — audio bytes only arrive via SendAudioData calls made by
// AudioManager's capture goroutine.
type Manager struct {
	cfg   Config
	wifi  WifiLink
	tls   CredentialStore
	trans Transport
	log   *slog.Logger

	mu           sync.Mutex
	state        State
	sessionState bool // true once config sent, false once eof sent or torn down

	framesSent    uint64
	writeFailures uint64
	sessionDrops  uint64

	cbMu      sync.RWMutex
	onError   func(kind ferr.Kind, err error)
	onMessage func(text string)

	superCtx    context.Context
	superCancel context.CancelFunc
	superWG     sync.WaitGroup
}

// New composes a Manager over the three owned capability interfaces.
func New(cfg Config, wifi WifiLink, tlsSession CredentialStore, trans Transport, log *slog.Logger) *Manager {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{cfg: cfg, wifi: wifi, tls: tlsSession, trans: trans, log: log.With("component", "netmgr")}

	trans.SetOnMessage(func(isText bool, data []byte) {
		if isText {
			m.cbMu.RLock()
			fn := m.onMessage
			m.cbMu.RUnlock()
			if fn != nil {
				fn(string(data))
			}
		}
	})
	trans.SetOnConnection(func(connected bool) {
		if !connected {
			m.onTransportLost()
		}
	})
	trans.SetOnError(func(err error) {
		m.fireError(ferr.WebSocketFailed, err)
	})
	wifi.SetStatusCallback(func(connected bool) {
		if !connected {
			m.onWifiLost()
		}
	})
	return m
}

// SetErrorCallback registers fn to receive a single user-visible error
// with its Kind and underlying cause whenever a network-layer failure
// occurs.
func (m *Manager) SetErrorCallback(fn func(kind ferr.Kind, err error)) {
	m.cbMu.Lock()
	m.onError = fn
	m.cbMu.Unlock()
}

// SetMessageCallback registers fn to receive every text frame the server
// sends, verbatim; this firmware does not parse server-side schema.
func (m *Manager) SetMessageCallback(fn func(text string)) {
	m.cbMu.Lock()
	m.onMessage = fn
	m.cbMu.Unlock()
}

// Connect runs the full DISCONNECTED -> CONNECTING_WIFI -> CONNECTING_TLS
// -> CONNECTED sequence and starts the supervision task. Any failure of the
// TLS/WebSocket dial, including a peer-verification failure during the
// handshake, returns TlsFailed and drops Wi-Fi again; there is no retry
// without verification.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(ConnectingWifi)
	if err := m.wifi.Connect(); err != nil {
		m.setState(Disconnected)
		return ferr.New(ferr.WifiFailed, "netmgr.connect", err)
	}

	m.setState(ConnectingTLS)
	tlsConfig := m.tls.TLSConfig()
	dialCtx, cancel := context.WithTimeout(ctx, m.tls.HandshakeTimeout())
	defer cancel()
	if err := m.trans.ConnectTLS(dialCtx, m.cfg.URI, tlsConfig); err != nil {
		m.setState(Disconnected)
		_ = m.wifi.Disconnect()
		return ferr.New(ferr.TlsFailed, "netmgr.connect", err)
	}

	m.setState(Connected)
	m.startSupervision()
	return nil
}

// Disconnect tears down the full stack — WebSocket, then Wi-Fi — and
// never attempts partial recovery, per the spec's reconnect policy.
func (m *Manager) Disconnect() {
	m.stopSupervision()
	m.endSessionLocked(false)
	m.trans.Disconnect()
	_ = m.wifi.Disconnect()
	m.setState(Disconnected)
}

// Reconnect tears down the full stack and rebuilds it from scratch; the
// spec explicitly forbids partial recovery to keep the state machine's
// invariants simple.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect()
	return m.Connect(ctx)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartAudioSession sends the config control frame and transitions into
// AUDIO_ACTIVE. The config frame is sent strictly before any binary frame
// of this session, enforced here rather than left to caller discipline
// (spec's resolved Open Question).
func (m *Manager) StartAudioSession(room string) error {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return ferr.New(ferr.SessionState, "netmgr.start_audio_session", fmt.Errorf("transport not OPEN (state=%s)", m.state))
	}
	m.mu.Unlock()

	body, err := proto.MarshalConfig(m.cfg.SampleRate, room)
	if err != nil {
		return ferr.New(ferr.Init, "netmgr.start_audio_session", err)
	}
	if err := m.trans.SendText(body); err != nil {
		return ferr.New(ferr.WebSocketFailed, "netmgr.start_audio_session", err)
	}

	m.mu.Lock()
	m.sessionState = true
	m.state = AudioActive
	m.mu.Unlock()
	return nil
}

// SendAudioData streams one binary PCM frame. Called only while
// audio_session = ACTIVE; outside that it returns a SessionState error and
// increments the drop counter without buffering, per spec. Transient
// transport write failures are counted but the session stays active until
// the transport itself reports a close.
func (m *Manager) SendAudioData(pcm []byte) error {
	m.mu.Lock()
	active := m.sessionState
	m.mu.Unlock()
	if !active {
		atomic.AddUint64(&m.sessionDrops, 1)
		return ferr.New(ferr.SessionState, "netmgr.send_audio_data", fmt.Errorf("no active audio session"))
	}

	if err := m.trans.SendBinary(pcm); err != nil {
		atomic.AddUint64(&m.writeFailures, 1)
		return ferr.New(ferr.WebSocketFailed, "netmgr.send_audio_data", err)
	}
	atomic.AddUint64(&m.framesSent, 1)
	return nil
}

// EndAudioSession sends the eof control frame, strictly after the last
// binary frame of the session, and returns to CONNECTED.
func (m *Manager) EndAudioSession() error {
	m.mu.Lock()
	if !m.sessionState {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	body, err := proto.MarshalEOF()
	if err != nil {
		return ferr.New(ferr.Init, "netmgr.end_audio_session", err)
	}
	sendErr := m.trans.SendText(body)

	m.mu.Lock()
	m.sessionState = false
	if m.state == AudioActive {
		m.state = Connected
	}
	m.mu.Unlock()

	if sendErr != nil {
		return ferr.New(ferr.WebSocketFailed, "netmgr.end_audio_session", sendErr)
	}
	return nil
}

// Stats returns a snapshot of session counters.
func (m *Manager) Stats() Stats {
	return Stats{
		BinaryFramesSent:    atomic.LoadUint64(&m.framesSent),
		WriteFailures:       atomic.LoadUint64(&m.writeFailures),
		SessionStateDropped: atomic.LoadUint64(&m.sessionDrops),
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// endSessionLocked force-ends any active audio session without sending a
// final eof frame (the transport is assumed already gone or about to be
// torn down); used by the fatal-failure paths below.
func (m *Manager) endSessionLocked(logIt bool) {
	m.mu.Lock()
	hadSession := m.sessionState
	m.sessionState = false
	if m.state == AudioActive {
		m.state = Connected
	}
	m.mu.Unlock()
	if hadSession && logIt {
		m.log.Warn("audio session ended by fatal link failure")
	}
}

// onWifiLost and onTransportLost implement "a fatal error in TLS or Wi-Fi
// ends any active audio session immediately" (spec 4.9). They are wired as
// immediate callbacks from the owned components rather than waiting for
// the next supervision tick, since the spec's supervision interval (>=5s)
// is a health-polling floor, not the only detection path.
func (m *Manager) onWifiLost() {
	if m.State() == Disconnected {
		return // already torn down; avoid repeat-firing on every supervision tick
	}
	m.endSessionLocked(true)
	m.setState(Disconnected)
	m.fireError(ferr.WifiFailed, fmt.Errorf("wifi link lost"))
}

func (m *Manager) onTransportLost() {
	if m.State() == Disconnected {
		return
	}
	m.endSessionLocked(true)
	m.setState(Disconnected)
	m.fireError(ferr.TlsFailed, fmt.Errorf("transport connection lost"))
}

func (m *Manager) fireError(kind ferr.Kind, err error) {
	m.cbMu.RLock()
	fn := m.onError
	m.cbMu.RUnlock()
	if fn != nil {
		fn(kind, err)
	}
}

// startSupervision launches the NetworkSupervisionTask: a >=5s ticker that
// samples both link flags and logs statistics, matching the reviewed
// client's adaptBitrateLoop cadence and shape.
func (m *Manager) startSupervision() {
	m.superCtx, m.superCancel = context.WithCancel(context.Background())
	m.superWG.Add(1)
	go m.supervisionLoop(m.superCtx)
}

func (m *Manager) stopSupervision() {
	if m.superCancel != nil {
		m.superCancel()
		m.superWG.Wait()
		m.superCancel = nil
	}
}

func (m *Manager) supervisionLoop(ctx context.Context) {
	defer m.superWG.Done()
	ticker := time.NewTicker(m.cfg.SupervisionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wifiUp := m.wifi.IsConnected()
			wsUp := m.trans.IsConnected()
			m.log.Debug("supervision tick", "wifi_up", wifiUp, "ws_up", wsUp, "state", m.State())
			if !wifiUp {
				m.onWifiLost()
			} else if !wsUp && m.State() != Disconnected {
				m.onTransportLost()
			}
		}
	}
}
