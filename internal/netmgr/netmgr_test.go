package netmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"voiceedge/internal/ferr"
	"voiceedge/internal/proto"
)

// fakeWifi is a deterministic WifiLink test double.
type fakeWifi struct {
	mu        sync.Mutex
	connected bool
	failNext  bool
	onStatus  func(bool)
}

func (f *fakeWifi) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("simulated association failure")
	}
	f.connected = true
	return nil
}
func (f *fakeWifi) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}
func (f *fakeWifi) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeWifi) SetStatusCallback(fn func(bool)) { f.onStatus = fn }

// flap simulates an external disassociation event, firing the status
// callback the way a real radio driver would.
func (f *fakeWifi) flap() {
	f.mu.Lock()
	f.connected = false
	cb := f.onStatus
	f.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// fakeTLS is a trivial CredentialStore double.
type fakeTLS struct{}

func (fakeTLS) TLSConfig() *tls.Config        { return &tls.Config{} }
func (fakeTLS) HandshakeTimeout() time.Duration { return time.Second }
func (fakeTLS) Close()                        {}

// fakeTransport is a deterministic Transport test double recording every
// text/binary frame sent, so ordering properties can be asserted directly.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	failDial   bool
	failBinary bool
	sent       []frame
	onMsg      func(bool, []byte)
	onErr      func(error)
	onConn     func(bool)
}

type frame struct {
	text   bool
	binary bool
	data   []byte
}

func (f *fakeTransport) ConnectTLS(ctx context.Context, uri string, tlsConfig *tls.Config) error {
	if f.failDial {
		return errors.New("simulated dial failure")
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	cb := f.onConn
	f.mu.Unlock()
	if wasConnected && cb != nil {
		cb(false)
	}
}
func (f *fakeTransport) SendText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame{text: true, data: append([]byte(nil), data...)})
	return nil
}
func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBinary {
		return errors.New("simulated write failure")
	}
	f.sent = append(f.sent, frame{binary: true, data: append([]byte(nil), data...)})
	return nil
}
func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeTransport) SetOnMessage(fn func(bool, []byte)) { f.onMsg = fn }
func (f *fakeTransport) SetOnError(fn func(error))          { f.onErr = fn }
func (f *fakeTransport) SetOnConnection(fn func(bool))       { f.onConn = fn }

// dropExternal simulates the transport reporting a lost connection, the
// way gorilla's read loop would on a peer close.
func (f *fakeTransport) dropExternal() {
	f.mu.Lock()
	f.connected = false
	cb := f.onConn
	f.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

func newManagerForTest() (*Manager, *fakeWifi, *fakeTransport) {
	w := &fakeWifi{}
	tr := &fakeTransport{}
	m := New(Config{URI: "wss://example/voice", Room: "kitchen", SampleRate: 16000, SupervisionInterval: 5 * time.Second}, w, fakeTLS{}, tr, nil)
	return m, w, tr
}

func TestConnectStartStreamEndOrdering(t *testing.T) {
	m, _, tr := newManagerForTest()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state = %v, want Connected", m.State())
	}

	if err := m.StartAudioSession("kitchen"); err != nil {
		t.Fatalf("StartAudioSession: %v", err)
	}
	if m.State() != AudioActive {
		t.Fatalf("state = %v, want AudioActive", m.State())
	}

	for i := 0; i < 3; i++ {
		if err := m.SendAudioData([]byte{byte(i), byte(i + 1)}); err != nil {
			t.Fatalf("SendAudioData: %v", err)
		}
	}
	if err := m.EndAudioSession(); err != nil {
		t.Fatalf("EndAudioSession: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state after EndAudioSession = %v, want Connected", m.State())
	}

	tr.mu.Lock()
	sent := append([]frame(nil), tr.sent...)
	tr.mu.Unlock()

	if len(sent) != 5 {
		t.Fatalf("sent %d frames, want 5 (config + 3 binary + eof)", len(sent))
	}
	if !sent[0].text {
		t.Fatal("first frame must be the config text frame")
	}
	cfg, ok := proto.ParseConfig(sent[0].data)
	if !ok || cfg.Room != "kitchen" || cfg.SampleRate != 16000 {
		t.Fatalf("unexpected config frame: %+v ok=%v", cfg, ok)
	}
	for i := 1; i < 4; i++ {
		if !sent[i].binary {
			t.Fatalf("frame %d should be binary PCM", i)
		}
	}
	if !sent[4].text || !proto.ParseEOF(sent[4].data) {
		t.Fatal("last frame must be the eof text frame")
	}
}

func TestSendAudioDataOutsideSessionReturnsSessionStateAndDrops(t *testing.T) {
	m, _, _ := newManagerForTest()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// No StartAudioSession call: audio_session is NONE.
	err := m.SendAudioData([]byte{1, 2})
	if !ferr.Is(err, ferr.SessionState) {
		t.Fatalf("SendAudioData outside session: err = %v, want SessionState", err)
	}
	if m.Stats().SessionStateDropped != 1 {
		t.Fatalf("SessionStateDropped = %d, want 1", m.Stats().SessionStateDropped)
	}
}

func TestWifiFlapDuringStreamingEndsSessionAndRequiresFreshConfig(t *testing.T) {
	m, w, tr := newManagerForTest()
	var gotKind ferr.Kind
	var mu sync.Mutex
	m.SetErrorCallback(func(kind ferr.Kind, err error) {
		mu.Lock()
		gotKind = kind
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.StartAudioSession("kitchen"); err != nil {
		t.Fatalf("StartAudioSession: %v", err)
	}

	w.flap() // simulate disassociation mid-session

	mu.Lock()
	kind := gotKind
	mu.Unlock()
	if kind != ferr.WifiFailed {
		t.Fatalf("error callback kind = %v, want WifiFailed", kind)
	}
	if m.State() != Disconnected {
		t.Fatalf("state after wifi flap = %v, want Disconnected", m.State())
	}

	// No further binary frames should be accepted.
	if err := m.SendAudioData([]byte{9, 9}); !ferr.Is(err, ferr.SessionState) {
		t.Fatalf("SendAudioData after flap: err = %v, want SessionState", err)
	}

	// Reconnecting and starting a new session requires a fresh config frame.
	tr.mu.Lock()
	sentBeforeReconnect := len(tr.sent)
	tr.mu.Unlock()
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if err := m.StartAudioSession("kitchen"); err != nil {
		t.Fatalf("StartAudioSession after reconnect: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	var configFrames int
	for _, f := range tr.sent[sentBeforeReconnect:] {
		if f.text {
			if _, ok := proto.ParseConfig(f.data); ok {
				configFrames++
			}
		}
	}
	if configFrames != 1 {
		t.Fatalf("config frames sent after reconnect = %d, want exactly 1 fresh one", configFrames)
	}
}

func TestTransientWriteFailureKeepsSessionActive(t *testing.T) {
	m, _, tr := newManagerForTest()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.StartAudioSession("kitchen"); err != nil {
		t.Fatalf("StartAudioSession: %v", err)
	}

	tr.failBinary = true
	if err := m.SendAudioData([]byte{1}); !ferr.Is(err, ferr.WebSocketFailed) {
		t.Fatalf("SendAudioData with failing transport: err = %v, want WebSocketFailed", err)
	}
	if m.State() != AudioActive {
		t.Fatal("a transient write failure must not end the session")
	}
	if m.Stats().WriteFailures != 1 {
		t.Fatalf("WriteFailures = %d, want 1", m.Stats().WriteFailures)
	}

	tr.failBinary = false
	if err := m.SendAudioData([]byte{1}); err != nil {
		t.Fatalf("SendAudioData after transport recovers: %v", err)
	}
}

func TestConnectFailsWhenWifiNeverAssociates(t *testing.T) {
	w := &fakeWifi{failNext: true}
	tr := &fakeTransport{}
	m := New(Config{URI: "wss://example/voice"}, w, fakeTLS{}, tr, nil)

	err := m.Connect(context.Background())
	if !ferr.Is(err, ferr.WifiFailed) {
		t.Fatalf("Connect with failing wifi: err = %v, want WifiFailed", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", m.State())
	}
}

func TestConnectFailsWhenDialFails(t *testing.T) {
	w := &fakeWifi{}
	tr := &fakeTransport{failDial: true}
	m := New(Config{URI: "wss://example/voice"}, w, fakeTLS{}, tr, nil)

	err := m.Connect(context.Background())
	if !ferr.Is(err, ferr.TlsFailed) {
		t.Fatalf("Connect with failing dial: err = %v, want TlsFailed", err)
	}
	if w.IsConnected() {
		t.Fatal("wifi should be torn down after a failed TLS/WS dial")
	}
}

func TestDisconnectTearsDownActiveSession(t *testing.T) {
	m, _, _ := newManagerForTest()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.StartAudioSession("kitchen"); err != nil {
		t.Fatalf("StartAudioSession: %v", err)
	}
	m.Disconnect()
	if m.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", m.State())
	}
	if err := m.SendAudioData([]byte{1}); !ferr.Is(err, ferr.SessionState) {
		t.Fatalf("SendAudioData after Disconnect: err = %v, want SessionState", err)
	}
}
