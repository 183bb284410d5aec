package audiosource

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"voiceedge/internal/ferr"
)

// ringChunks is the number of frame-sized slots buffered between the
// malgo audio callback (which must never block) and ReadFrame's consumer.
// Mirrors the pre-allocated-slot ring discipline used by the pack's malgo
// capture examples, sized in frames rather than raw chunks.
const ringChunks = 32

type chunk struct {
	samples []int16
	n       int
}

// MalgoSource captures mono 16-bit PCM from the default input device via
// malgo, buffering frames in a small fixed ring so the audio callback
// itself never blocks on a slow consumer.
type MalgoSource struct {
	frameSamples int
	sampleRate   uint32

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	ring      [ringChunks]chunk
	head      atomic.Uint64
	tail      atomic.Uint64
	dropCount atomic.Uint64

	mu      sync.Mutex
	running bool
}

// NewMalgoSource constructs a capture source for frameSamples-sample frames
// at sampleRate (the spec's frame_samples/sample_rate configuration).
func NewMalgoSource(frameSamples int, sampleRate uint32) *MalgoSource {
	s := &MalgoSource{frameSamples: frameSamples, sampleRate: sampleRate}
	for i := range s.ring {
		s.ring[i].samples = make([]int16, frameSamples)
	}
	return s
}

// Start opens the default capture device and begins filling the ring.
func (s *MalgoSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return ferr.New(ferr.Init, "audiosource.start", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = s.sampleRate
	deviceConfig.PeriodSizeInMilliseconds = uint32(1000 * s.frameSamples / int(s.sampleRate))

	onRecv := func(_, input []byte, _ uint32) {
		n := len(input) / 2
		if n == 0 {
			return
		}
		samples := make([]int16, n)
		for i := 0; i < n; i++ {
			samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
		}
		s.push(samples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return ferr.New(ferr.Init, "audiosource.start", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return ferr.New(ferr.AudioDriver, "audiosource.start", err)
	}

	s.ctx = ctx
	s.device = device
	s.running = true
	return nil
}

// push appends raw captured samples into the ring, splitting into
// frame-sized chunks. Called from the audio callback; must never block.
func (s *MalgoSource) push(samples []int16) {
	for len(samples) > 0 {
		n := len(samples)
		if n > s.frameSamples {
			n = s.frameSamples
		}
		head := s.head.Load()
		tail := s.tail.Load()
		if head-tail >= ringChunks {
			s.dropCount.Add(1)
			// Drop the oldest slot to make room; the live stream favors
			// recency over completeness once the consumer falls behind.
			s.tail.Add(1)
		}
		slot := &s.ring[head%ringChunks]
		copy(slot.samples, samples[:n])
		slot.n = n
		s.head.Add(1)
		samples = samples[n:]
	}
}

// ReadFrame blocks (with short polling sleeps) until one full frame is
// available in the ring or deadline passes.
func (s *MalgoSource) ReadFrame(out []int16, deadline time.Time) error {
	if len(out) < s.frameSamples {
		return ferr.New(ferr.AudioDriver, "audiosource.read_frame", fmt.Errorf("out too small"))
	}
	for {
		head := s.head.Load()
		tail := s.tail.Load()
		if head != tail {
			slot := &s.ring[tail%ringChunks]
			copy(out, slot.samples[:slot.n])
			if slot.n < s.frameSamples {
				for i := slot.n; i < s.frameSamples; i++ {
					out[i] = 0
				}
			}
			s.tail.Add(1)
			return nil
		}
		if time.Now().After(deadline) {
			return ferr.New(ferr.AudioDriver, "audiosource.read_frame", fmt.Errorf("short read: deadline exceeded"))
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop halts capture; the device can be Start()ed again afterward.
func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.device != nil {
		s.device.Stop()
	}
	s.running = false
	return nil
}

// Close releases the device and context. Safe to call after Stop.
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}

// DroppedFrames reports how many ring slots were overwritten before being
// consumed.
func (s *MalgoSource) DroppedFrames() uint64 {
	return s.dropCount.Load()
}
