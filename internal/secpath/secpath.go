// Package secpath models the estimated transfer path from the control
// loudspeaker to the error microphone and fits that model from a
// recorded broadband excitation.
//
// A Model is created by identification (Fit), persisted as a flat
// little-endian float32 tap file, and loaded wholesale at session
// start. It is never partially mutated: re-identification replaces it.
package secpath

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// normEpsilon guards the energy normalization against a degenerate
// all-zero fit.
const normEpsilon = 1e-12

// Model holds an FIR impulse-response estimate of the secondary path.
type Model struct {
	taps []float64
}

// New returns a Model over a copy of taps.
func New(taps []float64) (*Model, error) {
	if len(taps) == 0 {
		return nil, errors.New("secpath: empty tap set")
	}
	m := &Model{taps: make([]float64, len(taps))}
	copy(m.taps, taps)
	return m, nil
}

// Delta returns an n-tap unit impulse, the placeholder model used when
// no identification has been run yet.
func Delta(n int) *Model {
	if n < 1 {
		n = 1
	}
	m := &Model{taps: make([]float64, n)}
	m.taps[0] = 1.0
	return m
}

// Len returns the number of taps.
func (m *Model) Len() int { return len(m.taps) }

// Taps returns a copy of the impulse response.
func (m *Model) Taps() []float64 {
	out := make([]float64, len(m.taps))
	copy(out, m.taps)
	return out
}

// Energy returns the L2 norm of the taps.
func (m *Model) Energy() float64 {
	var sq float64
	for _, t := range m.taps {
		sq += t * t
	}
	return math.Sqrt(sq)
}

// normalize rescales the taps to unit energy so downstream gain tuning
// is decoupled from the measurement hardware's arbitrary gain.
func (m *Model) normalize() {
	energy := math.Sqrt(sumSquares(m.taps) + normEpsilon)
	if energy <= 0 {
		return
	}
	for i := range m.taps {
		m.taps[i] /= energy
	}
}

func sumSquares(v []float64) float64 {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	return sq
}

// Fit solves the least-squares FIR estimate h minimizing ||X*h - y||^2,
// where X is the Toeplitz-style design matrix built from the excitation
// and y is the recorded response with its first firLength samples
// discarded to skip the filter's fill-in transient. The result is
// normalized to unit energy.
func Fit(excitation, response []float64, firLength int) (*Model, error) {
	if firLength < 1 {
		return nil, fmt.Errorf("secpath: fir length must be positive (got %d)", firLength)
	}
	if len(response) < len(excitation) {
		return nil, fmt.Errorf("secpath: response shorter than excitation (%d < %d)",
			len(response), len(excitation))
	}
	rows := len(excitation) - firLength
	if rows < firLength {
		return nil, fmt.Errorf("secpath: excitation too short for %d taps (%d samples)",
			firLength, len(excitation))
	}

	x := mat.NewDense(rows, firLength, nil)
	for c := 0; c < firLength; c++ {
		for r := 0; r < rows; r++ {
			x.Set(r, c, excitation[c+r])
		}
	}
	y := mat.NewVecDense(rows, nil)
	for r := 0; r < rows; r++ {
		y.SetVec(r, response[firLength+r])
	}

	var qr mat.QR
	qr.Factorize(x)
	var h mat.VecDense
	if err := qr.SolveVecTo(&h, false, y); err != nil {
		return nil, fmt.Errorf("secpath: least-squares solve: %w", err)
	}

	m := &Model{taps: make([]float64, firLength)}
	for i := range m.taps {
		m.taps[i] = h.AtVec(i)
	}
	m.normalize()
	return m, nil
}

// Average returns the tap-wise mean of several identification runs,
// re-normalized to unit energy. All models must share a length.
func Average(models []*Model) (*Model, error) {
	if len(models) == 0 {
		return nil, errors.New("secpath: no models to average")
	}
	n := models[0].Len()
	taps := make([]float64, n)
	for _, m := range models {
		if m.Len() != n {
			return nil, fmt.Errorf("secpath: tap count mismatch (%d vs %d)", m.Len(), n)
		}
		for i, t := range m.taps {
			taps[i] += t
		}
	}
	for i := range taps {
		taps[i] /= float64(len(models))
	}
	out := &Model{taps: taps}
	out.normalize()
	return out, nil
}
