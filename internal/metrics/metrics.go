// Package metrics carries per-block diagnostics from the audio
// goroutine to the monitor goroutine without blocking the audio path.
//
// The producer is the block-processing goroutine; it never waits.
// Publish drops stream samples when the channel buffer is full. The
// latest snapshot is kept in a set of atomic fields guarded by a
// seqlock-style version counter: the producer bumps the counter to an
// odd value around the field writes, and a reader retries until it gets
// a consistent even-version copy. No allocation on the publish path,
// no torn snapshots on the read path.
package metrics

import (
	"math"
	"sync/atomic"
)

// Sample is one processed block's diagnostics. It is an immutable
// value once published.
type Sample struct {
	Block        int
	ErrorRMS     float64
	ReferenceRMS float64
	OutputRMS    float64
	StepSize     float64
	FreqHz       float64
	WeightNorm   float64
}

// Channel is a single-producer diagnostics feed.
type Channel struct {
	ch chan Sample

	// Snapshot seqlock. version is odd while the producer is writing;
	// a reader's copy is valid only when it sees the same even version
	// on both sides of the field loads. version 0 means nothing has
	// been published yet.
	version atomic.Uint64
	block   atomic.Int64
	errRMS  atomic.Uint64
	refRMS  atomic.Uint64
	outRMS  atomic.Uint64
	step    atomic.Uint64
	freq    atomic.Uint64
	wnorm   atomic.Uint64
}

// NewChannel returns a feed whose stream buffer holds depth samples.
func NewChannel(depth int) *Channel {
	if depth < 1 {
		depth = 1
	}
	return &Channel{ch: make(chan Sample, depth)}
}

// Publish records s as the latest snapshot and offers it to the stream.
// It never blocks: when the stream buffer is full the sample is dropped.
// Call only from the producing goroutine.
func (c *Channel) Publish(s Sample) {
	c.version.Add(1) // odd: write in progress
	c.block.Store(int64(s.Block))
	c.errRMS.Store(math.Float64bits(s.ErrorRMS))
	c.refRMS.Store(math.Float64bits(s.ReferenceRMS))
	c.outRMS.Store(math.Float64bits(s.OutputRMS))
	c.step.Store(math.Float64bits(s.StepSize))
	c.freq.Store(math.Float64bits(s.FreqHz))
	c.wnorm.Store(math.Float64bits(s.WeightNorm))
	c.version.Add(1) // even: stable

	select {
	case c.ch <- s:
	default:
	}
}

// Latest returns the most recently published sample. The second return
// is false until the first Publish. The copy is retried until it spans
// no concurrent write, so every returned sample was published whole.
func (c *Channel) Latest() (Sample, bool) {
	for {
		v := c.version.Load()
		if v == 0 {
			return Sample{}, false
		}
		if v&1 != 0 {
			continue // mid-write, try again
		}
		s := Sample{
			Block:        int(c.block.Load()),
			ErrorRMS:     math.Float64frombits(c.errRMS.Load()),
			ReferenceRMS: math.Float64frombits(c.refRMS.Load()),
			OutputRMS:    math.Float64frombits(c.outRMS.Load()),
			StepSize:     math.Float64frombits(c.step.Load()),
			FreqHz:       math.Float64frombits(c.freq.Load()),
			WeightNorm:   math.Float64frombits(c.wnorm.Load()),
		}
		if c.version.Load() == v {
			return s, true
		}
	}
}

// Stream exposes the buffered sample feed for consumers that want every
// sample the buffer managed to retain.
func (c *Channel) Stream() <-chan Sample {
	return c.ch
}

// Drain discards any buffered samples, returning how many were dropped.
func (c *Channel) Drain() int {
	n := 0
	for {
		select {
		case <-c.ch:
			n++
		default:
			return n
		}
	}
}
