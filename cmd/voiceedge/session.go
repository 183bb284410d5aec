package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"voiceedge/internal/audio"
	"voiceedge/internal/ferr"
	"voiceedge/internal/netmgr"
	"voiceedge/internal/wakeword"
)

// silenceTimeout bounds how long STREAMING may continue after the last
// voice-eligible frame before the session coordinator sends eof, per the
// spec's "silence timeout" EOF trigger (scenario 1: <=400ms trailing
// silence).
const silenceTimeout = 400 * time.Millisecond

// preRollDuration is how much pre-roll context is drained and sent ahead
// of live frames when a session opens (spec's >=300ms pre-roll window).
const preRollDuration = 300 * time.Millisecond

// reconnectBaseInterval / reconnectMaxInterval bound the backoff between
// NetworkManager.Reconnect attempts after a fatal Wi-Fi/TLS/WebSocket
// failure, per spec section 7's "on transient failures the device logs
// and reconnects with backoff" — the always-listening device never gives
// up and stays disconnected until process restart.
const (
	reconnectBaseInterval = 2 * time.Second
	reconnectMaxInterval  = 30 * time.Second
)

// sessionCoordinator is the glue between AudioManager and NetworkManager:
// it is the only place in this firmware that calls both, matching the
// spec's stated contract that the two components "interact only through a
// small contract (start/stop streaming, send binary, receive control
// JSON)." Neither component imports the other.
type sessionCoordinator struct {
	ctx      context.Context
	audioMgr *audio.Manager
	net      *netmgr.Manager
	room     string
	log      *slog.Logger

	mu          sync.Mutex
	active      bool
	lastVoiceAt time.Time

	reconnectMu  sync.Mutex
	reconnecting bool
}

func newSessionCoordinator(ctx context.Context, audioMgr *audio.Manager, net *netmgr.Manager, room string, log *slog.Logger) *sessionCoordinator {
	return &sessionCoordinator{ctx: ctx, audioMgr: audioMgr, net: net, room: room, log: log.With("component", "session")}
}

// onWake is the wake-word detection callback: it opens a new audio
// session, drains pre-roll context ahead of live audio, and starts
// streaming. Runs on AudioManager's capture goroutine, which calls the
// detector's ProcessFrame and so its detection callback.
func (s *sessionCoordinator) onWake(ev wakeword.Event) {
	s.log.Info("wake event", "confidence", ev.Confidence, "latency_ms", ev.LatencyMS)

	if err := s.net.StartAudioSession(s.room); err != nil {
		s.log.Warn("start audio session", "error", err)
		return
	}

	s.mu.Lock()
	s.active = true
	s.lastVoiceAt = time.Now()
	s.mu.Unlock()

	s.sendPreRoll()
	s.audioMgr.StartStreaming()
}

// sendPreRoll drains the pre-roll ring and ships it as binary frames
// before the capture loop's own live frames start arriving, so the server
// sees the audio immediately preceding the wake word.
func (s *sessionCoordinator) sendPreRoll() {
	samples := make([]int16, int(preRollDuration.Seconds()*16000))
	n := s.audioMgr.GetBackBufferSamples(samples, preRollDuration)
	if n == 0 {
		return
	}
	s.sendPCM(samples[:n])
}

// onAudioFrame is AudioManager's audio-data callback: invoked on the
// capture goroutine for every frame while streaming is gated open. It
// forwards the frame to NetworkManager and refreshes the silence-timeout
// clock.
func (s *sessionCoordinator) onAudioFrame(samples []int16) {
	s.mu.Lock()
	s.lastVoiceAt = time.Now()
	s.mu.Unlock()
	s.sendPCM(samples)
}

func (s *sessionCoordinator) sendPCM(samples []int16) {
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
	}
	if err := s.net.SendAudioData(raw); err != nil && !ferr.Is(err, ferr.SessionState) {
		s.log.Warn("send audio data", "error", err)
	}
}

// watchSilence runs as its own goroutine for the process lifetime, ending
// any active session once no voice-eligible frame has arrived for
// silenceTimeout. Running it on a separate goroutine (rather than a timer
// reset inside onAudioFrame) keeps the timeout check and the eof send off
// the capture goroutine; the per-frame SendAudioData calls made by
// onAudioFrame still run on it.
func (s *sessionCoordinator) watchSilence(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			active := s.active
			idle := time.Since(s.lastVoiceAt)
			s.mu.Unlock()
			if active && idle >= silenceTimeout {
				s.endSession()
			}
		}
	}
}

func (s *sessionCoordinator) endSession() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.audioMgr.StopStreaming()
	if err := s.net.EndAudioSession(); err != nil {
		s.log.Warn("end audio session", "error", err)
	}
}

// onNetworkError reacts to fatal link failures by marking any local
// session bookkeeping as ended; NetworkManager has already torn down its
// own session state (spec 4.9: "a fatal error in TLS or Wi-Fi ends any
// active audio session immediately"). It also kicks off a backoff-paced
// reconnect loop so the device doesn't stay disconnected until restart
// (spec section 7: "on transient failures the device logs and
// reconnects with backoff").
func (s *sessionCoordinator) onNetworkError(kind ferr.Kind, err error) {
	s.log.Warn("network error", "kind", kind, "error", err)
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.audioMgr.StopStreaming()
	s.startReconnect()
}

// startReconnect launches reconnectLoop unless one is already running; at
// most one reconnect attempt sequence is ever in flight.
func (s *sessionCoordinator) startReconnect() {
	s.reconnectMu.Lock()
	if s.reconnecting {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnecting = true
	s.reconnectMu.Unlock()

	go s.reconnectLoop()
}

// reconnectLoop retries NetworkManager.Reconnect with exponential backoff
// (capped at reconnectMaxInterval) until it succeeds or ctx is cancelled.
// NetworkManager.Reconnect tears down and rebuilds the full stack each
// attempt (spec 4.9: "do not attempt partial recovery"), so every attempt
// starts from a clean Wi-Fi association.
func (s *sessionCoordinator) reconnectLoop() {
	defer func() {
		s.reconnectMu.Lock()
		s.reconnecting = false
		s.reconnectMu.Unlock()
	}()

	backoff := reconnectBaseInterval
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		s.log.Info("reconnect attempt")
		if err := s.net.Reconnect(s.ctx); err != nil {
			s.log.Warn("reconnect failed, backing off", "error", err, "next_attempt_in", backoff)
			backoff *= 2
			if backoff > reconnectMaxInterval {
				backoff = reconnectMaxInterval
			}
			continue
		}
		s.log.Info("reconnected")
		return
	}
}
