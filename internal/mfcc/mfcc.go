// Package mfcc implements the streaming mel-frequency cepstral coefficient
// frontend that turns raw 16kHz PCM into the fixed-shape feature tensor the
// wake-word model consumes. The short-time Fourier transform step is backed
// by go-dsp's FFT rather than a hand-rolled DFT, since no 16-bit quantized
// hand transform would match the numerics the model was trained against.
package mfcc

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

const (
	// SampleRate is the fixed input sample rate this frontend is built for.
	SampleRate = 16000

	// WindowSamples / HopSamples define the STFT window (25ms) and hop
	// (10ms) at 16kHz, matching typical speech-feature training recipes.
	WindowSamples = 400
	HopSamples    = 160

	// NMfcc is the number of cepstral coefficients retained per frame.
	NMfcc = 13
	// NFrames is the number of feature rows presented per inference window;
	// the model's input tensor element count must equal NFrames*NMfcc.
	NFrames = 32

	// MelBins is the size of the triangular mel filterbank applied to the
	// power spectrum before the DCT.
	MelBins = 26

	// FeatureSize is the flattened element count of one feature window;
	// WakeWordDetector refuses to load a model whose input element count
	// differs from this constant.
	FeatureSize = NFrames * NMfcc

	// strideFrames is how many new MFCC rows must accumulate before
	// Frontend reports "features ready" again. At a 10ms hop this yields a
	// 30ms stride, matching the spec's inference-stride timing floor.
	strideFrames = 3
)

// Frontend maintains a sliding sample ring and the rolling window of
// computed MFCC rows. ProcessSamples drives it forward hop-by-hop;
// GetFeatures copies out the current NFrames x NMfcc window.
type Frontend struct {
	sampleBuf  []int16 // accumulates raw samples until a full hop is available
	window     []float64
	hann       []float64
	melFilters [][]float64 // MelBins x (WindowSamples/2+1)
	dctMatrix  [][]float64 // NMfcc x MelBins

	rows        [][]float64 // ring of NFrames rows, oldest first
	rowsFilled  int
	sinceReady  int
	initialized bool
}

// New constructs a Frontend with its filterbank and DCT matrices
// precomputed once; nothing on the hot path allocates these again.
func New() *Frontend {
	f := &Frontend{
		hann:       hannWindow(WindowSamples),
		melFilters: melFilterbank(MelBins, WindowSamples, SampleRate),
		dctMatrix:  dctIIMatrix(NMfcc, MelBins),
		rows:       make([][]float64, NFrames),
	}
	for i := range f.rows {
		f.rows[i] = make([]float64, NMfcc)
	}
	f.initialized = true
	return f
}

// ProcessSamples feeds newly captured PCM samples into the frontend's
// internal ring and returns true once a new MFCC row has completed a full
// stride window, meaning GetFeatures now has a fresh NFrames x NMfcc matrix
// available.
func (f *Frontend) ProcessSamples(samples []int16) bool {
	f.sampleBuf = append(f.sampleBuf, samples...)

	ready := false
	for len(f.sampleBuf) >= WindowSamples {
		row := f.computeRow(f.sampleBuf[:WindowSamples])
		f.pushRow(row)

		// Advance by one hop; samples older than the next window start are
		// dropped, they've already been consumed by this frame's window.
		if len(f.sampleBuf) > HopSamples {
			f.sampleBuf = f.sampleBuf[HopSamples:]
		} else {
			f.sampleBuf = f.sampleBuf[:0]
		}

		f.sinceReady++
		if f.rowsFilled >= NFrames && f.sinceReady >= strideFrames {
			ready = true
			f.sinceReady = 0
		}
	}
	return ready
}

// GetFeatures copies the current NFrames x NMfcc window into out, which
// must have capacity for FeatureSize float32 values, row-major.
func (f *Frontend) GetFeatures(out []float32) {
	if len(out) < FeatureSize {
		panic("mfcc: out too small for FeatureSize")
	}
	for r, row := range f.rows {
		for c, v := range row {
			out[r*NMfcc+c] = float32(v)
		}
	}
}

// Reset drops internal windowing state without reallocating any of the
// precomputed filterbank/DCT matrices or the row ring's backing arrays.
func (f *Frontend) Reset() {
	f.sampleBuf = f.sampleBuf[:0]
	for _, row := range f.rows {
		for i := range row {
			row[i] = 0
		}
	}
	f.rowsFilled = 0
	f.sinceReady = 0
}

func (f *Frontend) pushRow(row []float64) {
	// Shift rows up by one (drop oldest), append new row at the end. NFrames
	// is small enough that this copy is cheap and keeps the ring allocation
	// fixed for the Frontend's lifetime.
	copy(f.rows, f.rows[1:])
	f.rows[len(f.rows)-1] = row
	if f.rowsFilled < NFrames {
		f.rowsFilled++
	}
}

func (f *Frontend) computeRow(frame []int16) []float64 {
	windowed := make([]float64, WindowSamples)
	for i, s := range frame {
		windowed[i] = float64(s) / 32768.0 * f.hann[i]
	}

	spectrum := fft.FFTReal(windowed)
	half := WindowSamples/2 + 1
	power := make([]float64, half)
	for i := 0; i < half; i++ {
		c := spectrum[i]
		power[i] = real(c)*real(c) + imag(c)*imag(c)
	}

	melEnergies := make([]float64, MelBins)
	for m, filt := range f.melFilters {
		var sum float64
		for i, w := range filt {
			sum += w * power[i]
		}
		if sum < 1e-10 {
			sum = 1e-10
		}
		melEnergies[m] = math.Log(sum)
	}

	row := make([]float64, NMfcc)
	for c := 0; c < NMfcc; c++ {
		var sum float64
		for m, e := range melEnergies {
			sum += e * f.dctMatrix[c][m]
		}
		row[c] = sum
	}
	return row
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// melFilterbank builds a triangular filterbank of nFilters banks over a
// power spectrum of windowSamples/2+1 bins.
func melFilterbank(nFilters, windowSamples int, sampleRate float64) [][]float64 {
	half := windowSamples/2 + 1
	toMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	toHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	lowMel := toMel(0)
	highMel := toMel(sampleRate / 2)
	melPoints := make([]float64, nFilters+2)
	for i := range melPoints {
		melPoints[i] = lowMel + (highMel-lowMel)*float64(i)/float64(nFilters+1)
	}
	binPoints := make([]int, nFilters+2)
	for i, m := range melPoints {
		hz := toHz(m)
		binPoints[i] = int(math.Floor((float64(windowSamples) + 1) * hz / sampleRate))
	}

	filters := make([][]float64, nFilters)
	for m := 0; m < nFilters; m++ {
		filt := make([]float64, half)
		left, center, right := binPoints[m], binPoints[m+1], binPoints[m+2]
		for k := left; k < center && k < half; k++ {
			if center > left {
				filt[k] = float64(k-left) / float64(center-left)
			}
		}
		for k := center; k < right && k < half; k++ {
			if right > center {
				filt[k] = float64(right-k) / float64(right-center)
			}
		}
		filters[m] = filt
	}
	return filters
}

// dctIIMatrix builds an nOut x nIn type-II DCT basis matrix (orthonormal
// scaling), the standard transform from mel-log-energies to cepstral
// coefficients.
func dctIIMatrix(nOut, nIn int) [][]float64 {
	mat := make([][]float64, nOut)
	for k := 0; k < nOut; k++ {
		scale := math.Sqrt(2 / float64(nIn))
		if k == 0 {
			scale = math.Sqrt(1 / float64(nIn))
		}
		row := make([]float64, nIn)
		for n := 0; n < nIn; n++ {
			row[n] = scale * math.Cos(math.Pi / float64(nIn) * (float64(n) + 0.5) * float64(k))
		}
		mat[k] = row
	}
	return mat
}
