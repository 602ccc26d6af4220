package engine

import (
	"fmt"

	"quell/internal/config"
	"quell/internal/fxlms"
	"quell/internal/narrowband"
	"quell/internal/secpath"
)

// BlockSynthesizer is the per-block synthesis strategy. One
// implementation is the broadband FxLMS core, the other the narrowband
// zero-crossing controller; the engine selects one at construction from
// configuration and drives it from the block-processing goroutine.
type BlockSynthesizer interface {
	// Process consumes one reference and one error block, writes the
	// anti-noise block into out, and updates adaptive state when adapt
	// is true. All slices have the configured block size.
	Process(ref, errBlock, out []float32, adapt bool)
	// BlockRMS returns the reference, error, and output RMS of the
	// most recently processed block.
	BlockRMS() (refRMS, errRMS, outRMS float64)
	// WeightNorm returns the L2 norm of the adaptive coefficients.
	WeightNorm() float64
	// Frequency returns the tracked fundamental in Hz, or 0 when the
	// engine does not track one.
	Frequency() float64
	// Reset restores the initial adaptive state.
	Reset()
}

// newSynthesizer builds the configured engine.
func newSynthesizer(cfg config.Config, secondary *secpath.Model) (BlockSynthesizer, error) {
	switch cfg.Engine {
	case config.EngineFxLMS:
		return fxlms.New(fxlms.Config{
			FilterLength:  cfg.FilterLength,
			BlockSize:     cfg.BlockSize,
			StepSize:      cfg.StepSize,
			Leakage:       cfg.Leakage,
			UpdateSign:    cfg.WeightUpdateSign,
			SecondaryPath: secondary.Taps(),
			Kernel:        cfg.Kernel,
		})
	case config.EngineNarrowband:
		return narrowband.New(narrowband.Config{
			SampleRate: float64(cfg.SampleRate),
			StepSize:   cfg.StepSize,
			Leakage:    cfg.Leakage,
			UpdateSign: cfg.WeightUpdateSign,
			InitialHz:  cfg.NarrowbandInitHz,
		})
	default:
		return nil, fmt.Errorf("engine: unknown engine %q", cfg.Engine)
	}
}
