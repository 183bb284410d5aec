// Package wakeword turns a stream of MFCC feature windows into discrete
// wake events. Inference runs a single INT8-quantized ONNX graph through
// onnxruntime_go; the tensor handles allocated once at Initialize are the
// firmware's tensor arena, and onnxruntime's own graph executor stands in
// for an operator resolver restricted to the ops the model declares.
package wakeword

import (
	"fmt"
	"math"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"voiceedge/internal/ferr"
	"voiceedge/internal/mfcc"
)

// debounceState is the wake debouncer's state machine, purely a function of
// wall time and per-inference confidence (see Open Questions: the
// "consecutive detections" counter from the reviewed source is dropped).
type debounceState int

const (
	stateIdle debounceState = iota
	stateRising
	stateFired
)

// Event is emitted once per accepted wake, carrying the confidence at the
// triggering instant and the elapsed latency since the rise began.
type Event struct {
	Confidence float64
	LatencyMS  int64
}

// Config tunes the detector; numeric defaults favor the spec's documented
// timing floor (≤140ms end-to-end wake latency).
type Config struct {
	OnnxLibPath          string
	Threshold            float64       // confidence ∈ [0,1]; default 0.5
	TriggerDuration      time.Duration // sustained-high-confidence window required to fire; default 200ms
	MinInferenceInterval time.Duration // throttle; default 30ms
	BiasWarnThreshold    float64       // all-zero-input sanity gate bound; default 0.1
}

func (c *Config) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.TriggerDuration <= 0 {
		c.TriggerDuration = 200 * time.Millisecond
	}
	if c.MinInferenceInterval <= 0 {
		c.MinInferenceInterval = 30 * time.Millisecond
	}
	if c.BiasWarnThreshold <= 0 {
		c.BiasWarnThreshold = 0.1
	}
}

// Stats exposes per-inference latency and health counters, safe to read
// without locking (tearing acceptable for display per the spec's
// statistics policy).
type Stats struct {
	Inferences   uint64
	EMALatencyUS float64
	Biased       bool
}

// Detector owns the model's tensor arena and the debouncer state machine.
type Detector struct {
	cfg Config

	session      *ort.AdvancedSession
	inputData    []int8
	inputTensor  *ort.Tensor[int8]
	outputTensor *ort.Tensor[int8]
	inScale, inZeroPoint   float64
	outScale, outZeroPoint float64

	frontend *mfcc.Frontend

	mu          sync.Mutex
	threshold   float64
	onDetected  func(Event)
	lastInferAt time.Time
	state       debounceState
	riseStart   time.Time
	stats       Stats
}

// New allocates a Detector wired to its own MFCC frontend. Call Initialize
// before ProcessFrame.
func New(cfg Config) *Detector {
	cfg.setDefaults()
	return &Detector{
		cfg:       cfg,
		frontend:  mfcc.New(),
		threshold: cfg.Threshold,
	}
}

// ModelInfo carries the quantization parameters read from a loaded model;
// production firmware reads these from the model's embedded metadata, a
// detail this core does not prescribe the encoding of.
type ModelInfo struct {
	ModelPath              string
	SchemaVersion          int
	InputScale, InputZero  float64
	OutputScale, OutputZero float64
}

const supportedSchemaVersion = 1

// Initialize validates the model schema and shape, allocates the INT8
// input/output tensors (the tensor arena) exactly once, and builds the
// inference session. It refuses models whose input element count doesn't
// match the MFCC frontend's FeatureSize.
func (d *Detector) Initialize(info ModelInfo) error {
	if info.SchemaVersion != supportedSchemaVersion {
		return ferr.New(ferr.WakeWordModel, "wakeword.initialize",
			fmt.Errorf("unsupported model schema version %d (want %d)", info.SchemaVersion, supportedSchemaVersion))
	}

	ort.SetSharedLibraryPath(d.cfg.OnnxLibPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return ferr.New(ferr.Init, "wakeword.initialize", err)
	}

	inputInfo, _, err := ort.GetInputOutputInfo(info.ModelPath)
	if err != nil {
		return ferr.New(ferr.WakeWordModel, "wakeword.initialize", err)
	}
	elementCount := 1
	for _, dim := range inputInfo[0].Dimensions {
		elementCount *= int(dim)
	}
	if elementCount != mfcc.FeatureSize {
		return ferr.New(ferr.WakeWordModel, "wakeword.initialize",
			fmt.Errorf("model input element count %d != frontend FeatureSize %d", elementCount, mfcc.FeatureSize))
	}

	inputTensor, err := ort.NewEmptyTensor[int8](ort.NewShape(1, int64(mfcc.FeatureSize)))
	if err != nil {
		return ferr.New(ferr.Memory, "wakeword.initialize", err)
	}
	outputTensor, err := ort.NewEmptyTensor[int8](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		return ferr.New(ferr.Memory, "wakeword.initialize", err)
	}

	session, err := ort.NewAdvancedSession(info.ModelPath,
		[]string{inputInfo[0].Name}, []string{"output"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return ferr.New(ferr.WakeWordModel, "wakeword.initialize", err)
	}

	d.mu.Lock()
	d.session = session
	d.inputTensor = inputTensor
	d.outputTensor = outputTensor
	d.inputData = inputTensor.GetData()
	d.inScale, d.inZeroPoint = info.InputScale, info.InputZero
	d.outScale, d.outZeroPoint = info.OutputScale, info.OutputZero
	d.mu.Unlock()

	return d.runSanityGate()
}

// runSanityGate feeds an all-zero MFCC vector through the model once at
// boot. A confidence above BiasWarnThreshold is logged and recorded as
// "biased" but never fails startup — a diagnostic contract, not a
// correctness one.
func (d *Detector) runSanityGate() error {
	zeros := make([]float32, mfcc.FeatureSize)
	confidence, err := d.infer(zeros)
	if err != nil {
		return ferr.New(ferr.WakeWordModel, "wakeword.sanity_gate", err)
	}
	if confidence > d.cfg.BiasWarnThreshold {
		d.mu.Lock()
		d.stats.Biased = true
		d.mu.Unlock()
	}
	return nil
}

// SetThreshold updates the debouncer's confidence gate.
func (d *Detector) SetThreshold(t float64) {
	d.mu.Lock()
	d.threshold = t
	d.mu.Unlock()
}

// SetDetectionCallback registers fn to be invoked on each accepted wake
// event. fn is called synchronously on the goroutine that calls
// ProcessFrame (AudioManager's capture goroutine; inference runs inline
// there too), never concurrently with itself.
func (d *Detector) SetDetectionCallback(fn func(Event)) {
	d.mu.Lock()
	d.onDetected = fn
	d.mu.Unlock()
}

// Reset clears the debouncer and frontend state without releasing the
// tensor arena.
func (d *Detector) Reset() {
	d.frontend.Reset()
	d.mu.Lock()
	d.state = stateIdle
	d.mu.Unlock()
}

// ProcessFrame forwards samples into the MFCC frontend; when a feature
// window becomes ready it runs inference (subject to the throttle) and
// drives the debouncer.
func (d *Detector) ProcessFrame(samples []int16) {
	if !d.frontend.ProcessSamples(samples) {
		return
	}

	now := time.Now()
	d.mu.Lock()
	if !d.lastInferAt.IsZero() && now.Sub(d.lastInferAt) < d.cfg.MinInferenceInterval {
		d.mu.Unlock()
		return // coalesce: latest window wins once the throttle clears
	}
	d.lastInferAt = now
	d.mu.Unlock()

	features := make([]float32, mfcc.FeatureSize)
	d.frontend.GetFeatures(features)

	confidence, err := d.infer(features)
	if err != nil {
		return
	}
	d.advanceDebouncer(confidence, now)
}

// infer quantizes features into the arena's input tensor, runs the
// session, and dequantizes the scalar output back into [0,1].
func (d *Detector) infer(features []float32) (float64, error) {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, f := range features {
		d.inputData[i] = quantize(float64(f), d.inScale, d.inZeroPoint)
	}
	if err := d.session.Run(); err != nil {
		return 0, err
	}
	out := d.outputTensor.GetData()
	confidence := dequantize(out[0], d.outScale, d.outZeroPoint)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	d.stats.Inferences++
	const emaAlpha = 0.1
	d.stats.EMALatencyUS = (1-emaAlpha)*d.stats.EMALatencyUS + emaAlpha*float64(time.Since(start).Microseconds())
	return confidence, nil
}

// advanceDebouncer runs the IDLE -> RISING -> FIRED state machine purely
// in wall time, per the spec's resolved Open Question.
func (d *Detector) advanceDebouncer(confidence float64, now time.Time) {
	d.mu.Lock()
	threshold := d.threshold
	cb := d.onDetected

	var fire *Event
	switch d.state {
	case stateIdle:
		if confidence >= threshold {
			d.state = stateRising
			d.riseStart = now
		}
	case stateRising:
		if confidence < threshold {
			d.state = stateIdle
		} else if now.Sub(d.riseStart) >= d.cfg.TriggerDuration {
			fire = &Event{Confidence: confidence, LatencyMS: now.Sub(d.riseStart).Milliseconds()}
			d.state = stateFired
		}
	case stateFired:
		// One-shot: the same utterance cannot retrigger until confidence
		// has dropped and re-risen through IDLE -> RISING.
		if confidence < threshold {
			d.state = stateIdle
		}
	}
	d.mu.Unlock()

	if fire != nil && cb != nil {
		cb(*fire)
	}
}

// Stats returns a snapshot of detector health counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close frees the tensor arena and inference session exactly once. It is
// safe to call more than once; subsequent calls are no-ops.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
		d.inputTensor = nil
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
		d.outputTensor = nil
	}
}

// quantize maps a float feature value into the INT8 domain per the spec's
// explicit formula.
func quantize(f, scale, zeroPoint float64) int8 {
	q := math.Round(f/scale) + zeroPoint
	if q < -128 {
		q = -128
	}
	if q > 127 {
		q = 127
	}
	return int8(q)
}

// dequantize reverses quantize for the scalar output tensor.
func dequantize(q int8, scale, zeroPoint float64) float64 {
	return (float64(q) - zeroPoint) * scale
}
