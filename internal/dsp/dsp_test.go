package dsp

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %g, want 0", got)
	}
	if got := RMS(make([]float32, 64)); got != 0 {
		t.Errorf("RMS(silence) = %g, want 0", got)
	}
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); got != 0.5 {
		t.Errorf("RMS(square wave) = %g, want 0.5", got)
	}

	// Full-cycle sine: RMS = A / sqrt(2).
	const n = 480
	block := make([]float32, n)
	for i := range block {
		block[i] = float32(0.8 * math.Sin(2*math.Pi*float64(i)/n))
	}
	want := 0.8 / math.Sqrt2
	if got := RMS(block); math.Abs(got-want) > 1e-4 {
		t.Errorf("RMS(sine) = %g, want %g", got, want)
	}
}

func TestClamp32(t *testing.T) {
	cases := []struct{ in, want float32 }{
		{0, 0},
		{0.5, 0.5},
		{-0.5, -0.5},
		{1, 1},
		{-1, -1},
		{1.5, 1},
		{-1.5, -1},
	}
	for _, tc := range cases {
		if got := Clamp32(tc.in); got != tc.want {
			t.Errorf("Clamp32(%g) = %g, want %g", tc.in, got, tc.want)
		}
	}
}

func TestNewLowPassDisabled(t *testing.T) {
	if f := NewLowPass(0, 48000); f != nil {
		t.Error("cutoff 0 should return nil (no filtering)")
	}
	if f := NewLowPass(-10, 48000); f != nil {
		t.Error("negative cutoff should return nil")
	}
	if f := NewLowPass(500, 0); f != nil {
		t.Error("zero sample rate should return nil")
	}
}

func TestNilLowPassPassesThrough(t *testing.T) {
	var f *LowPass
	src := []float32{1, -1, 0.5}
	dst := make([]float32, len(src))
	f.Apply(dst, src)
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("sample %d: %g, want %g", i, dst[i], src[i])
		}
	}
	f.Reset() // must not panic
	if f.Alpha() != 0 {
		t.Error("nil filter Alpha() should be 0")
	}
}

func TestLowPassCutoffClampedToNyquist(t *testing.T) {
	over := NewLowPass(100000, 48000)
	atNyquist := NewLowPass(24000, 48000)
	if over.Alpha() != atNyquist.Alpha() {
		t.Errorf("alpha above Nyquist = %g, want clamped to %g", over.Alpha(), atNyquist.Alpha())
	}
}

// TestLowPassAttenuation feeds a tone well above and a tone well below
// the cutoff and compares output energy.
func TestLowPassAttenuation(t *testing.T) {
	const (
		sampleRate = 48000.0
		cutoff     = 200.0
		n          = 48000
	)
	gain := func(freq float64) float64 {
		f := NewLowPass(cutoff, sampleRate)
		src := make([]float32, n)
		for i := range src {
			src[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / sampleRate))
		}
		dst := make([]float32, n)
		f.Apply(dst, src)
		// Skip the settling transient.
		return RMS(dst[n/2:]) / RMS(src[n/2:])
	}

	low := gain(50)
	high := gain(4000)
	if low < 0.9 {
		t.Errorf("passband gain at 50 Hz = %g, want near 1", low)
	}
	if high > 0.1 {
		t.Errorf("stopband gain at 4 kHz = %g, want strong attenuation", high)
	}
}

func TestLowPassStateCarriesAcrossBlocks(t *testing.T) {
	whole := NewLowPass(200, 48000)
	split := NewLowPass(200, 48000)

	src := make([]float32, 128)
	for i := range src {
		src[i] = float32(math.Sin(2 * math.Pi * 100 * float64(i) / 48000))
	}

	wantDst := make([]float32, 128)
	whole.Apply(wantDst, src)

	gotDst := make([]float32, 128)
	split.Apply(gotDst[:64], src[:64])
	split.Apply(gotDst[64:], src[64:])

	for i := range wantDst {
		if wantDst[i] != gotDst[i] {
			t.Fatalf("sample %d: split %g, whole %g", i, gotDst[i], wantDst[i])
		}
	}
}

func TestLowPassReset(t *testing.T) {
	f := NewLowPass(200, 48000)
	src := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	f.Apply(dst, src)
	first := dst[0]

	f.Reset()
	f.Apply(dst, src)
	if dst[0] != first {
		t.Errorf("first sample after Reset = %g, want %g", dst[0], first)
	}
}

func TestLowPassInPlace(t *testing.T) {
	a := NewLowPass(200, 48000)
	b := NewLowPass(200, 48000)

	src := []float32{1, 0.5, -0.5, -1}
	dst := make([]float32, 4)
	a.Apply(dst, src)

	inPlace := append([]float32(nil), src...)
	b.Apply(inPlace, inPlace)
	for i := range dst {
		if dst[i] != inPlace[i] {
			t.Fatalf("sample %d: in-place %g, separate %g", i, inPlace[i], dst[i])
		}
	}
}
