// Package narrowband implements the tonal synthesis engine used when
// the disturbance is a single dominant tone.
//
// The controller tracks the fundamental frequency of the reference
// signal from the timing between zero crossings, synthesizes an
// anti-tone from two coefficients on a sine/cosine basis, and adapts
// those coefficients per sample with the same leaky LMS law as the
// broadband core — a 2-dimensional, analytically structured basis that
// is cheaper and more stable than an N-tap FIR when the noise really
// is narrowband.
package narrowband

import (
	"fmt"
	"math"
)

const (
	// minTrackHz and maxTrackHz bound the accepted instantaneous
	// frequency estimates; values outside the plausible disturbance
	// band are rejected outright rather than smoothed in.
	minTrackHz = 50.0
	maxTrackHz = 1000.0

	// freqAlpha is the EMA coefficient blending accepted estimates
	// into the running frequency.
	freqAlpha = 0.1

	// DefaultInitialHz seeds the tracker before the first validated
	// crossing.
	DefaultInitialHz = 200.0

	// maxCoeffNorm bounds sqrt(wa^2+wb^2), mirroring the broadband
	// core's weight-norm clip.
	maxCoeffNorm = 1.0
)

// Config describes a narrowband controller instance.
type Config struct {
	SampleRate float64
	StepSize   float64
	Leakage    float64
	UpdateSign float64 // +1 or -1; 0 selects the default (-1)
	InitialHz  float64 // 0 selects DefaultInitialHz
}

// Controller holds the tracker and coefficient state. Not safe for
// concurrent use; the block-processing goroutine is the sole owner.
type Controller struct {
	sampleRate float64
	step       float64
	leakage    float64
	sign       float64

	prevRef      float64
	phase        float64 // always wrapped into [0, 2*pi)
	samplesSince int
	freqHz       float64
	wa, wb       float64

	refRMS, errRMS, outRMS float64
}

// New validates cfg and returns a Controller seeded at cfg.InitialHz.
func New(cfg Config) (*Controller, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("narrowband: sample rate must be positive (got %g)", cfg.SampleRate)
	}
	if cfg.StepSize <= 0 {
		return nil, fmt.Errorf("narrowband: step size must be positive (got %g)", cfg.StepSize)
	}
	if cfg.Leakage < 0 || cfg.Leakage >= 1 {
		return nil, fmt.Errorf("narrowband: leakage must be in [0, 1) (got %g)", cfg.Leakage)
	}
	sign := cfg.UpdateSign
	if sign == 0 {
		sign = -1
	}
	if sign != 1 && sign != -1 {
		return nil, fmt.Errorf("narrowband: update sign must be +1 or -1 (got %g)", cfg.UpdateSign)
	}
	initial := cfg.InitialHz
	if initial == 0 {
		initial = DefaultInitialHz
	}
	if initial <= 0 || initial >= cfg.SampleRate/2 {
		return nil, fmt.Errorf("narrowband: initial frequency %g Hz outside (0, Nyquist)", initial)
	}
	return &Controller{
		sampleRate:   cfg.SampleRate,
		step:         cfg.StepSize,
		leakage:      cfg.Leakage,
		sign:         sign,
		freqHz:       initial,
		samplesSince: 100, // past the >1 guard so the first crossing counts
	}, nil
}

// Process consumes one reference and error block, writes the anti-tone
// into out (clipped to [-1, 1]), and, when adapt is true, LMS-adapts
// the two coefficients per sample. Reference, error, and output RMS are
// accumulated inside the same pass.
func (c *Controller) Process(ref, errBlock, out []float32, adapt bool) {
	prevRef := c.prevRef
	phase := c.phase
	samplesSince := c.samplesSince
	freqHz := c.freqHz
	wa, wb := c.wa, c.wb

	var sumRef, sumErr, sumOut float64
	n := len(ref)

	for i := 0; i < n; i++ {
		refSample := float64(ref[i])
		errSample := float64(errBlock[i])

		sumRef += refSample * refSample
		sumErr += errSample * errSample

		// Zero crossing: a sign change, with zero treated as
		// non-negative.
		crossing := (refSample >= 0 && prevRef < 0) || (refSample < 0 && prevRef >= 0)
		if crossing && samplesSince > 1 {
			halfPeriod := float64(samplesSince)
			freqEst := c.sampleRate / (2.0 * halfPeriod)
			if freqEst > minTrackHz && freqEst < maxTrackHz {
				freqHz = (1.0-freqAlpha)*freqHz + freqAlpha*freqEst
			}
			samplesSince = 0
		}

		omega := 2.0 * math.Pi * freqHz / c.sampleRate

		refSin := math.Sin(phase)
		refCos := math.Cos(phase)

		antiNoise := wa*refSin + wb*refCos

		if adapt {
			wa += c.sign * c.step * errSample * refSin
			wb += c.sign * c.step * errSample * refCos
			wa *= 1.0 - c.leakage
			wb *= 1.0 - c.leakage
		}

		if antiNoise > 1.0 {
			antiNoise = 1.0
		} else if antiNoise < -1.0 {
			antiNoise = -1.0
		}
		out[i] = float32(antiNoise)
		sumOut += antiNoise * antiNoise

		phase += omega
		if phase >= 2.0*math.Pi {
			phase -= 2.0 * math.Pi
		}

		prevRef = refSample
		samplesSince++
	}

	if norm := math.Sqrt(wa*wa + wb*wb); norm > maxCoeffNorm {
		scale := maxCoeffNorm / norm
		wa *= scale
		wb *= scale
	}

	c.prevRef = prevRef
	c.phase = phase
	c.samplesSince = samplesSince
	c.freqHz = freqHz
	c.wa, c.wb = wa, wb

	if n > 0 {
		fn := float64(n)
		c.refRMS = math.Sqrt(sumRef / fn)
		c.errRMS = math.Sqrt(sumErr / fn)
		c.outRMS = math.Sqrt(sumOut / fn)
	}
}

// BlockRMS returns the reference, error, and output RMS of the most
// recently processed block.
func (c *Controller) BlockRMS() (refRMS, errRMS, outRMS float64) {
	return c.refRMS, c.errRMS, c.outRMS
}

// Frequency returns the smoothed fundamental-frequency estimate in Hz.
func (c *Controller) Frequency() float64 { return c.freqHz }

// WeightNorm returns sqrt(wa^2 + wb^2), the synthesized tone amplitude.
func (c *Controller) WeightNorm() float64 {
	return math.Sqrt(c.wa*c.wa + c.wb*c.wb)
}

// Coefficients returns the current sine/cosine coefficient pair.
func (c *Controller) Coefficients() (wa, wb float64) { return c.wa, c.wb }

// Reset restores the initial tracker state and zeroes the coefficients.
// The frequency estimate is kept: it is the best available prior.
func (c *Controller) Reset() {
	c.prevRef = 0
	c.phase = 0
	c.samplesSince = 100
	c.wa, c.wb = 0, 0
	c.refRMS, c.errRMS, c.outRMS = 0, 0, 0
}
