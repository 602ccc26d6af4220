// Package gate implements the hysteresis machine that decides whether
// weight adaptation runs for a given block.
//
// The gate smooths the block error RMS with an exponential moving
// average and toggles between ENABLED and DISABLED across two
// thresholds. A hold counter requires the smoothed value to sit on the
// far side of a threshold for a number of consecutive blocks before a
// transition fires, which keeps the gate from chattering when the error
// hovers near a single boundary.
package gate

// Gate tracks smoothed error energy and the enable/disable state.
// Not safe for concurrent use; the block-processing goroutine is the
// sole caller.
type Gate struct {
	alpha      float64
	stop       float64
	restart    float64
	holdFrames int

	enabled     bool
	smooth      float64
	initialized bool
	hold        int
}

// New returns an enabled Gate.
//
// alpha is the EMA coefficient in [0, 1] (clamped). holdFrames is the
// number of consecutive qualifying blocks required for a transition
// (minimum 1). restartThreshold is raised to stopThreshold when lower,
// so the hysteresis band is never inverted.
func New(alpha, stopThreshold, restartThreshold float64, holdFrames int) *Gate {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	if holdFrames < 1 {
		holdFrames = 1
	}
	if restartThreshold < stopThreshold {
		restartThreshold = stopThreshold
	}
	return &Gate{
		alpha:      alpha,
		stop:       stopThreshold,
		restart:    restartThreshold,
		holdFrames: holdFrames,
		enabled:    true,
	}
}

// Observe folds one block's error RMS into the smoothed estimate and
// steps the state machine. It returns whether adaptation is enabled
// after this block. The first observation seeds the EMA directly
// instead of ramping from zero.
func (g *Gate) Observe(errRMS float64) bool {
	if !g.initialized {
		g.smooth = errRMS
		g.initialized = true
	} else {
		g.smooth = g.alpha*errRMS + (1.0-g.alpha)*g.smooth
	}

	if g.enabled {
		if g.smooth <= g.stop {
			g.hold++
			if g.hold >= g.holdFrames {
				g.enabled = false
				g.hold = 0
			}
		} else {
			g.hold = 0
		}
	} else {
		if g.smooth >= g.restart {
			g.hold++
			if g.hold >= g.holdFrames {
				g.enabled = true
				g.hold = 0
			}
		} else {
			g.hold = 0
		}
	}
	return g.enabled
}

// Enabled reports whether adaptation is currently allowed.
func (g *Gate) Enabled() bool { return g.enabled }

// Smoothed returns the current EMA of the error RMS (informational).
func (g *Gate) Smoothed() float64 { return g.smooth }

// Reset restores the initial enabled state and clears the EMA.
func (g *Gate) Reset() {
	g.enabled = true
	g.smooth = 0
	g.initialized = false
	g.hold = 0
}
