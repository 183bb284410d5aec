package audio

import (
	"sync"
	"testing"
	"time"
)

// fakeSource feeds fixed silence or tone frames on demand and counts
// Start/Stop/Close calls so tests can assert clean lifecycle behavior.
type fakeSource struct {
	mu       sync.Mutex
	frame    []int16
	started  int
	stopped  int
	closed   int
	failRead bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frame: make([]int16, FrameSamples)}
}

func (f *fakeSource) ReadFrame(out []int16, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(out, f.frame)
	time.Sleep(time.Millisecond) // simulate a bit of I/O latency without busy-looping the test
	return nil
}

func (f *fakeSource) Start() error { f.started++; return nil }
func (f *fakeSource) Stop() error  { f.stopped++; return nil }
func (f *fakeSource) Close() error { f.closed++; return nil }

// wakewordDetectorStub discards frames; tests that don't exercise wake
// detection use it in place of a loaded *wakeword.Detector.
type wakewordDetectorStub struct{}

func (wakewordDetectorStub) ProcessFrame(samples []int16) {}

func noopDetector() WakeDetector { return wakewordDetectorStub{} }

func TestStartStopCaptureDoesNotLeak(t *testing.T) {
	src := newFakeSource()
	m := New(src, noopDetector(), nil)

	if err := m.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.StopCapture(); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	if err := m.StartCapture(); err != nil {
		t.Fatalf("second StartCapture: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.StopCapture(); err != nil {
		t.Fatalf("second StopCapture: %v", err)
	}

	if src.started != 2 || src.stopped != 2 || src.closed != 2 {
		t.Fatalf("driver lifecycle calls = start:%d stop:%d close:%d, want 2/2/2", src.started, src.stopped, src.closed)
	}
}

func TestStreamingGateRequiresStartStreaming(t *testing.T) {
	src := newFakeSource()
	for i := range src.frame {
		src.frame[i] = 20000 // loud tone: well above minStreamLevel
	}
	m := New(src, noopDetector(), nil)

	var got int
	var mu sync.Mutex
	m.SetAudioDataCallback(func(samples []int16) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	if err := m.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	before := got
	mu.Unlock()
	if before != 0 {
		t.Fatalf("audio callback fired before StartStreaming (got %d)", before)
	}

	m.StartStreaming()
	time.Sleep(30 * time.Millisecond)
	_ = m.StopCapture()

	mu.Lock()
	defer mu.Unlock()
	if got == 0 {
		t.Fatal("expected audio callback to fire after StartStreaming with a loud frame")
	}
}

func TestGetBackBufferSamplesReturnsRecentAudio(t *testing.T) {
	src := newFakeSource()
	for i := range src.frame {
		src.frame[i] = int16(i % 100)
	}
	m := New(src, noopDetector(), nil)

	if err := m.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	_ = m.StopCapture()

	out := make([]int16, 1000)
	n := m.GetBackBufferSamples(out, 100*time.Millisecond)
	if n == 0 {
		t.Fatal("expected GetBackBufferSamples to return some samples after capture")
	}
}

func TestSetGainScalesSamples(t *testing.T) {
	src := newFakeSource()
	for i := range src.frame {
		src.frame[i] = 1000
	}
	m := New(src, noopDetector(), nil)
	m.SetGain(-100) // -100dB is effectively silence: linear multiplier near zero

	var last []int16
	var mu sync.Mutex
	m.SetAudioDataCallback(func(samples []int16) {
		mu.Lock()
		last = append([]int16(nil), samples...)
		mu.Unlock()
	})
	m.StartStreaming()
	if err := m.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	_ = m.StopCapture()

	mu.Lock()
	defer mu.Unlock()
	if len(last) > 0 && last[0] > 10 {
		t.Fatalf("sample %d not attenuated by -100dB gain", last[0])
	}
	if lvl := m.GetAudioLevel(); lvl > 10 {
		t.Fatalf("audio level %v after -100dB gain, want near zero (unscaled level is 1000)", lvl)
	}
}
