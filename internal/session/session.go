// Package session implements the driver that brackets a control run:
// a silent baseline measurement first, then the active adaptation
// phase, then an optional permanent freeze once the error has dropped
// far enough for long enough.
//
// The phase sequence Baseline -> Active -> Frozen is one-way within a
// session. Freezing is distinct from the adaptation gate's reversible
// hysteresis: a frozen session never adapts again.
package session

import "time"

// Phase is the session state.
type Phase int

const (
	// PhaseBaseline measures ambient error energy with adaptation off.
	PhaseBaseline Phase = iota
	// PhaseActive runs adaptation.
	PhaseActive
	// PhaseFrozen keeps the converged weights fixed for the rest of
	// the session.
	PhaseFrozen
)

// String returns the log label for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseBaseline:
		return "baseline"
	case PhaseActive:
		return "active"
	case PhaseFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Config describes the baseline and freeze behaviour.
type Config struct {
	// BaselineSeconds is how long to measure ambient error before
	// enabling adaptation. Zero or negative skips the baseline phase.
	BaselineSeconds float64
	// FreezeEnabled turns the Active -> Frozen transition on.
	FreezeEnabled bool
	// RelativeDrop is the required (baseline-best)/baseline error
	// reduction before freezing.
	RelativeDrop float64
	// MinSeconds is the minimum time adaptation must run before a
	// freeze is considered.
	MinSeconds float64
	// MinError floors the baseline and filters best-error updates, so
	// a silent room cannot produce a degenerate zero baseline.
	MinError float64
}

// Driver is the session state machine. It is driven from the monitor
// goroutine only; the block-processing goroutine sees its decisions
// through a flag the engine owns.
type Driver struct {
	cfg Config

	phase         Phase
	baselineStart time.Time
	baselineSum   float64
	baselineCount int
	baselineErr   float64
	bestErr       float64
	enabledAt     time.Time
}

// New returns a Driver starting in PhaseBaseline when a baseline window
// is configured, otherwise directly in PhaseActive.
func New(cfg Config, now time.Time) *Driver {
	d := &Driver{cfg: cfg, baselineStart: now, bestErr: 0}
	if cfg.BaselineSeconds > 0 {
		d.phase = PhaseBaseline
	} else {
		d.phase = PhaseActive
		d.enabledAt = now
	}
	return d
}

// Observe folds one monitor-interval error RMS reading into the state
// machine. Call it at the monitoring cadence, not per audio block.
func (d *Driver) Observe(now time.Time, errRMS float64) {
	switch d.phase {
	case PhaseBaseline:
		d.baselineSum += errRMS
		d.baselineCount++
		if now.Sub(d.baselineStart).Seconds() >= d.cfg.BaselineSeconds {
			measured := d.baselineSum / float64(max(1, d.baselineCount))
			d.baselineErr = measured
			if d.baselineErr < d.cfg.MinError {
				d.baselineErr = d.cfg.MinError
			}
			d.bestErr = d.baselineErr
			d.phase = PhaseActive
			d.enabledAt = now
		}

	case PhaseActive:
		// No baseline window: the first credible reading becomes it.
		if d.baselineErr == 0 && errRMS > d.cfg.MinError {
			d.baselineErr = errRMS
			d.bestErr = errRMS
		}
		if errRMS > d.cfg.MinError && (d.bestErr == 0 || errRMS < d.bestErr) {
			d.bestErr = errRMS
		}
		if d.cfg.FreezeEnabled &&
			d.baselineErr > 0 &&
			d.bestErr > 0 &&
			now.Sub(d.enabledAt).Seconds() >= d.cfg.MinSeconds {
			improvement := (d.baselineErr - d.bestErr) / d.baselineErr
			if improvement >= d.cfg.RelativeDrop {
				d.phase = PhaseFrozen
			}
		}

	case PhaseFrozen:
		// One-way: nothing to do.
	}
}

// AdaptationEnabled reports whether weight updates may run right now.
func (d *Driver) AdaptationEnabled() bool { return d.phase == PhaseActive }

// Phase returns the current session phase.
func (d *Driver) Phase() Phase { return d.phase }

// BaselineError returns the measured (floored) baseline error RMS, or 0
// while still measuring.
func (d *Driver) BaselineError() float64 { return d.baselineErr }

// BestError returns the lowest credible error RMS observed since
// adaptation was enabled.
func (d *Driver) BestError() float64 { return d.bestErr }

// Improvement returns the current relative error drop against the
// baseline, or 0 before the baseline exists.
func (d *Driver) Improvement() float64 {
	if d.baselineErr <= 0 || d.bestErr <= 0 {
		return 0
	}
	return (d.baselineErr - d.bestErr) / d.baselineErr
}
