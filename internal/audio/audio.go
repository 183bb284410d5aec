// Package audio implements the AudioManager component: the frame-paced
// capture loop that drives VAD, maintains the pre-roll ring, and dispatches
// frames to the wake-word detector and, when streaming, to the network
// layer. Grounded on the reviewed client's AudioEngine captureLoop/Start/Stop
// goroutine-lifecycle idiom, generalized from its 48kHz float32/Opus/AEC
// pipeline down to this firmware's 16kHz/320-sample raw-PCM pipeline.
package audio

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"voiceedge/internal/ferr"
	"voiceedge/internal/mfcc"
	"voiceedge/internal/ring"
	"voiceedge/internal/vad"
)

const (
	// FrameSamples is the fixed frame length: 320 samples = 20ms @ 16kHz.
	FrameSamples = 320

	// preRollBytes sizes the ring for 300ms of 16kHz mono 16-bit audio.
	preRollBytes = 9600

	frameInterval = 20 * time.Millisecond
)

// Source is the minimal capability AudioManager needs from a microphone
// driver; satisfied by internal/audiosource.Source.
type Source interface {
	ReadFrame(out []int16, deadline time.Time) error
	Start() error
	Stop() error
	Close() error
}

// WakeDetector is the minimal capability AudioManager needs from a
// wake-word detector; satisfied by *wakeword.Detector. Kept as an
// interface here (rather than the concrete type) so the capture loop can
// be exercised without a loaded ONNX model in tests.
type WakeDetector interface {
	ProcessFrame(samples []int16)
}

// Stats exposes capture-loop health counters, safe to read without locking.
type Stats struct {
	FramesCaptured  uint64
	ShortReads      uint64
	FramesStreamed  uint64
	FramesDropped   uint64
}

// Manager is the AudioManager: it owns the capture task, the pre-roll ring,
// the VAD processor, and the wake-word detector. The network side never
// touches these directly — audio only crosses the boundary through the
// audio-data callback invoked from the capture goroutine.
type Manager struct {
	source   Source
	detector WakeDetector
	vadProc  *vad.Processor
	preRoll  *ring.Buffer

	gain  atomic.Uint64 // float64 bits; linear multiplier applied to captured samples
	level atomic.Uint64 // float64 bits; most recent frame's RMS level meter

	running   atomic.Bool
	streaming atomic.Bool

	framesCaptured uint64
	shortReads     uint64
	framesStreamed uint64
	framesDropped  uint64

	cbMu      sync.RWMutex
	onAudio   func(samples []int16)
	onVadFlip func(voicePresent bool)

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	log *slog.Logger
}

// New constructs a Manager around a capture source and a wake-word
// detector. The detector must already be Initialize'd.
func New(source Source, detector WakeDetector, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		source:   source,
		detector: detector,
		vadProc:  vad.New(),
		preRoll:  ring.New(preRollBytes),
		log:      log.With("component", "audio"),
	}
	m.gain.Store(gainBits(1.0))
	m.vadProc.SetStateChangeCallback(func(voicePresent bool) {
		m.cbMu.RLock()
		fn := m.onVadFlip
		m.cbMu.RUnlock()
		if fn != nil {
			fn(voicePresent)
		}
	})
	return m
}

// SetAudioDataCallback registers fn to be invoked on the capture goroutine
// with each frame's samples while streaming is active and the frame is
// voice-eligible (see the stream-gating rule in captureLoop).
func (m *Manager) SetAudioDataCallback(fn func(samples []int16)) {
	m.cbMu.Lock()
	m.onAudio = fn
	m.cbMu.Unlock()
}

// SetVadStateCallback registers fn to be invoked whenever the VAD's
// voice-presence state flips.
func (m *Manager) SetVadStateCallback(fn func(voicePresent bool)) {
	m.cbMu.Lock()
	m.onVadFlip = fn
	m.cbMu.Unlock()
}

// StartCapture starts the microphone driver and the capture goroutine. A
// second StartCapture after a clean StopCapture must not leak: stopCh is
// re-created fresh each time, and the WaitGroup is reused only after
// StopCapture's Wait has returned.
func (m *Manager) StartCapture() error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.source.Start(); err != nil {
		m.running.Store(false)
		return ferr.New(ferr.AudioDriver, "audio.start_capture", err)
	}

	m.mu.Lock()
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.captureLoop()
	return nil
}

// StopCapture stops the driver first (unblocking any in-flight ReadFrame),
// then joins the capture goroutine before releasing the driver.
func (m *Manager) StopCapture() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.streaming.Store(false)

	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}

	if err := m.source.Stop(); err != nil {
		m.log.Warn("audio driver stop", "error", err)
	}
	m.wg.Wait()

	if err := m.source.Close(); err != nil {
		return ferr.New(ferr.AudioDriver, "audio.stop_capture", err)
	}
	return nil
}

// StartStreaming enables the conditional audio-data callback. The flag is
// only read by the capture loop, so no frames are delivered until capture
// is running; StopCapture clears it.
func (m *Manager) StartStreaming() {
	m.streaming.Store(true)
}

// StopStreaming disables the audio-data callback without stopping capture,
// VAD, or wake detection.
func (m *Manager) StopStreaming() {
	m.streaming.Store(false)
}

// SetGain sets a static linear gain multiplier derived from gain_db. This is
// a fixed multiplier, not adaptive gain control: the spec names no
// adaptive-gain component for this pipeline.
func (m *Manager) SetGain(gainDB float64) {
	linear := dbToLinear(gainDB)
	m.gain.Store(gainBits(linear))
}

// SetVadSensitivity forwards to the underlying VAD processor.
func (m *Manager) SetVadSensitivity(s float64) {
	m.vadProc.SetSensitivity(s)
}

// GetAudioLevel returns the most recent frame's RMS level meter, safe to
// call from any goroutine.
func (m *Manager) GetAudioLevel() float64 {
	return gainOf(m.level.Load())
}

// GetBackBufferSamples copies up to duration worth of pre-roll audio into
// out (which must be sized in samples, not bytes) and returns the number of
// samples written. Taking the ring's own lock is sufficient; no separate
// audio-manager-wide lock is needed for this read path since the ring
// already serializes itself.
func (m *Manager) GetBackBufferSamples(out []int16, duration time.Duration) int {
	const bytesPerSample = 2
	wantBytes := int(duration.Seconds() * float64(mfcc.SampleRate) * bytesPerSample)
	if wantBytes <= 0 {
		return 0
	}
	raw := m.preRoll.Peek(wantBytes)
	n := len(raw) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	return n
}

// Stats returns a snapshot of capture-loop counters.
func (m *Manager) Stats() Stats {
	return Stats{
		FramesCaptured: atomic.LoadUint64(&m.framesCaptured),
		ShortReads:     atomic.LoadUint64(&m.shortReads),
		FramesStreamed: atomic.LoadUint64(&m.framesStreamed),
		FramesDropped:  atomic.LoadUint64(&m.framesDropped),
	}
}

// PreRollDropped returns the number of bytes the pre-roll ring has
// discarded to overrun.
func (m *Manager) PreRollDropped() uint64 {
	return m.preRoll.Dropped()
}

// captureLoop runs on its own goroutine: absolute-deadline tick, one frame
// read per tick, pre-roll write, VAD feed, wake-detector feed, and the
// conditional audio-data callback.
func (m *Manager) captureLoop() {
	defer m.wg.Done()

	pcm := make([]int16, FrameSamples)
	rawBytes := make([]byte, FrameSamples*2)
	deadline := time.Now()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		deadline = deadline.Add(frameInterval)
		if err := m.source.ReadFrame(pcm, deadline); err != nil {
			atomic.AddUint64(&m.shortReads, 1)
			m.log.Warn("audio short read", "error", err)
			continue
		}
		atomic.AddUint64(&m.framesCaptured, 1)

		applyGain(pcm, gainOf(m.gain.Load()))

		for i, s := range pcm {
			rawBytes[2*i] = byte(uint16(s))
			rawBytes[2*i+1] = byte(uint16(s) >> 8)
		}
		m.preRoll.Write(rawBytes)

		voicePresent := m.vadProc.ProcessFrame(pcm)
		m.detector.ProcessFrame(pcm)

		level := rmsLevel(pcm)
		m.level.Store(gainBits(level))
		if m.streaming.Load() && (voicePresent || level > minStreamLevel) {
			m.cbMu.RLock()
			fn := m.onAudio
			m.cbMu.RUnlock()
			if fn != nil {
				atomic.AddUint64(&m.framesStreamed, 1)
				fn(pcm)
			} else {
				atomic.AddUint64(&m.framesDropped, 1)
			}
		}
	}
}

// minStreamLevel is the absolute RMS floor below which a frame is withheld
// from the stream even while technically "streaming", unless VAD says
// voice is present; keeps a handful of trailing low-level frames flowing
// around a VAD flip without opening the gate on pure silence.
const minStreamLevel = 40.0

func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		f := float64(s)
		sumSq += f * f
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

func applyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20.0)
}

func gainBits(g float64) uint64  { return math.Float64bits(g) }
func gainOf(bits uint64) float64 { return math.Float64frombits(bits) }
