// Package dsp holds the small signal primitives shared by the control
// engines: block RMS measurement, sample clamping, and the one-pole
// low-pass used to band-limit the reference channel.
package dsp

import "math"

// RMS returns the root-mean-square of a float32 PCM block.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(block)))
}

// Clamp32 limits v to [-1.0, 1.0].
func Clamp32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// LowPass is a one-pole low-pass filter: state += alpha*(x - state).
// The zero value is not usable; use NewLowPass.
type LowPass struct {
	alpha float64
	state float64
}

// NewLowPass returns a filter for the given cutoff at the given sample
// rate, with alpha = 1 - e^(-2*pi*fc/fs). The cutoff is limited to the
// Nyquist frequency. A cutoff or sample rate <= 0 returns nil, which
// callers treat as "no filtering".
func NewLowPass(cutoffHz, sampleRate float64) *LowPass {
	if cutoffHz <= 0 || sampleRate <= 0 {
		return nil
	}
	if nyquist := sampleRate / 2; cutoffHz > nyquist {
		cutoffHz = nyquist
	}
	return &LowPass{
		alpha: 1.0 - math.Exp(-2.0*math.Pi*cutoffHz/sampleRate),
	}
}

// Apply filters src into dst sample by sample, carrying state across
// blocks. src and dst may be the same slice. A nil receiver copies src
// through unchanged.
func (f *LowPass) Apply(dst, src []float32) {
	if f == nil {
		copy(dst, src)
		return
	}
	state := f.state
	for i, x := range src {
		state += f.alpha * (float64(x) - state)
		dst[i] = float32(state)
	}
	f.state = state
}

// Reset clears the filter state without changing the coefficient.
func (f *LowPass) Reset() {
	if f != nil {
		f.state = 0
	}
}

// Alpha returns the filter coefficient (informational).
func (f *LowPass) Alpha() float64 {
	if f == nil {
		return 0
	}
	return f.alpha
}
