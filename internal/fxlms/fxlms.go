// Package fxlms implements the filtered-x least-mean-squares adaptive
// FIR filter at the heart of the control loop.
//
// Per reference sample the core produces one anti-noise sample from the
// current weights, passes the reference through the secondary-path
// estimate to build the filtered-reference vector, and (when adaptation
// is enabled) applies a normalized leaky LMS update driven by the
// measured error. Weight state is exclusively owned by the calling
// goroutine; nothing here locks.
package fxlms

import (
	"fmt"
	"math"

	"quell/internal/dsp"
)

const (
	// Epsilon avoids division blow-up in the normalized step.
	Epsilon = 1e-9

	// MinReferencePower skips the weight update for samples whose
	// filtered-reference vector carries almost no energy, so silence
	// cannot amplify numerical noise into the weights.
	MinReferencePower = 1e-6

	// MaxNorm bounds the L2 norm of the weight vector. The hard clip
	// after every block is the stability guard against divergence from
	// plant mismatch or clipping nonlinearity.
	MaxNorm = 1.0
)

// Kernel names selectable at construction.
const (
	KernelPortable = "portable"
	KernelRing     = "ring"
)

// Config describes an adaptive filter instance.
type Config struct {
	FilterLength  int
	BlockSize     int
	StepSize      float64
	Leakage       float64
	UpdateSign    float64 // +1 or -1; 0 selects the default (-1)
	SecondaryPath []float64
	Kernel        string // KernelPortable or KernelRing; "" selects KernelRing
}

// Core is the FxLMS adaptive filter. Not safe for concurrent use; the
// block-processing goroutine is the sole owner.
type Core struct {
	filterLength int
	blockSize    int
	step         float64
	leakage      float64
	sign         float64

	weights []float64
	kern    kernel

	// fxVectors holds the block's filtered-reference vectors as a flat
	// blockSize x filterLength matrix, reused across blocks so the hot
	// path never allocates.
	fxVectors []float64

	refRMS, errRMS, outRMS float64
}

// New validates cfg and returns a Core with zeroed weights.
// Configuration problems (empty filter, missing secondary path, bad
// sign) surface here, never at block time.
func New(cfg Config) (*Core, error) {
	if cfg.FilterLength <= 0 {
		return nil, fmt.Errorf("fxlms: filter length must be positive (got %d)", cfg.FilterLength)
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("fxlms: block size must be positive (got %d)", cfg.BlockSize)
	}
	if len(cfg.SecondaryPath) == 0 {
		return nil, fmt.Errorf("fxlms: secondary path estimate is empty")
	}
	if cfg.StepSize <= 0 {
		return nil, fmt.Errorf("fxlms: step size must be positive (got %g)", cfg.StepSize)
	}
	if cfg.Leakage < 0 || cfg.Leakage >= 1 {
		return nil, fmt.Errorf("fxlms: leakage must be in [0, 1) (got %g)", cfg.Leakage)
	}
	sign := cfg.UpdateSign
	if sign == 0 {
		sign = -1
	}
	if sign != 1 && sign != -1 {
		return nil, fmt.Errorf("fxlms: update sign must be +1 or -1 (got %g)", cfg.UpdateSign)
	}

	secondary := make([]float64, len(cfg.SecondaryPath))
	copy(secondary, cfg.SecondaryPath)

	var kern kernel
	switch cfg.Kernel {
	case KernelPortable:
		kern = newShiftKernel(cfg.FilterLength, secondary)
	case KernelRing, "":
		kern = newRingKernel(cfg.FilterLength, secondary)
	default:
		return nil, fmt.Errorf("fxlms: unknown kernel %q", cfg.Kernel)
	}

	return &Core{
		filterLength: cfg.FilterLength,
		blockSize:    cfg.BlockSize,
		step:         cfg.StepSize,
		leakage:      cfg.Leakage,
		sign:         sign,
		weights:      make([]float64, cfg.FilterLength),
		kern:         kern,
		fxVectors:    make([]float64, cfg.BlockSize*cfg.FilterLength),
	}, nil
}

// Synthesize converts one reference block into one anti-noise block and
// captures the filtered-reference vectors the next Adapt call needs.
// Output samples are clipped to [-1, 1]. len(ref) and len(out) must
// equal the configured block size.
func (c *Core) Synthesize(ref, out []float32) {
	var sumRef, sumOut float64
	for i, x := range ref {
		y := c.kern.step(float64(x), c.weights)
		y32 := dsp.Clamp32(float32(y))
		out[i] = y32

		sumRef += float64(x) * float64(x)
		sumOut += float64(y32) * float64(y32)

		c.kern.fxVector(c.fxVectors[i*c.filterLength : (i+1)*c.filterLength])
	}
	n := float64(len(ref))
	if n > 0 {
		c.refRMS = math.Sqrt(sumRef / n)
		c.outRMS = math.Sqrt(sumOut / n)
	}
}

// Adapt applies the per-sample normalized leaky LMS update for the
// block most recently passed to Synthesize, then clips the weight norm.
func (c *Core) Adapt(errBlock []float32) {
	for i, e := range errBlock {
		fx := c.fxVectors[i*c.filterLength : (i+1)*c.filterLength]

		var power float64
		for _, v := range fx {
			power += v * v
		}
		if power < MinReferencePower {
			continue
		}
		muEff := c.step / (power + Epsilon)

		if c.leakage > 0 {
			scale := 1.0 - c.leakage
			for j := range c.weights {
				c.weights[j] *= scale
			}
		}
		g := c.sign * muEff * float64(e)
		for j := range c.weights {
			c.weights[j] += g * fx[j]
		}
	}
	c.clipNorm()
}

// clipNorm rescales the weights uniformly when their L2 norm exceeds
// MaxNorm.
func (c *Core) clipNorm() {
	var sq float64
	for _, w := range c.weights {
		sq += w * w
	}
	norm := math.Sqrt(sq)
	if norm > MaxNorm {
		scale := MaxNorm / math.Max(norm, Epsilon)
		for j := range c.weights {
			c.weights[j] *= scale
		}
	}
}

// Process runs Synthesize and, when adapt is true, Adapt — the shape
// the engine's per-block loop consumes. The error block is the one
// recorded in the same buffer exchange, i.e. it reflects the previous
// block's output arriving through the plant.
func (c *Core) Process(ref, errBlock, out []float32, adapt bool) {
	c.Synthesize(ref, out)
	var sumErr float64
	for _, e := range errBlock {
		sumErr += float64(e) * float64(e)
	}
	if n := float64(len(errBlock)); n > 0 {
		c.errRMS = math.Sqrt(sumErr / n)
	}
	if adapt {
		c.Adapt(errBlock)
	}
}

// BlockRMS returns the reference, error, and output RMS of the most
// recently processed block.
func (c *Core) BlockRMS() (refRMS, errRMS, outRMS float64) {
	return c.refRMS, c.errRMS, c.outRMS
}

// WeightNorm returns the current L2 norm of the weights.
func (c *Core) WeightNorm() float64 {
	var sq float64
	for _, w := range c.weights {
		sq += w * w
	}
	return math.Sqrt(sq)
}

// Frequency reports 0: the broadband core does not track a tone.
func (c *Core) Frequency() float64 { return 0 }

// Weights returns a copy of the weight vector.
func (c *Core) Weights() []float64 {
	out := make([]float64, len(c.weights))
	copy(out, c.weights)
	return out
}

// Reset zeroes the weights, the delay lines, and the captured vectors.
func (c *Core) Reset() {
	for i := range c.weights {
		c.weights[i] = 0
	}
	for i := range c.fxVectors {
		c.fxVectors[i] = 0
	}
	c.kern.reset()
	c.refRMS, c.errRMS, c.outRMS = 0, 0, 0
}
