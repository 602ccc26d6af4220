// Package refclip loads the stored reference noise clip and serves it
// to the control loop in fixed-size blocks.
package refclip

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// LoadWAV decodes a mono PCM WAV file to normalized float32 samples in
// [-1, 1] and returns them with the file's sample rate. 16- and 32-bit
// integer samples are supported; multi-channel files are down-mixed by
// taking the first channel.
func LoadWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("refclip: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("refclip: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("refclip: decode %s: %w", path, err)
	}

	var scale float32
	switch dec.BitDepth {
	case 16:
		scale = 1.0 / 32768.0
	case 32:
		scale = 1.0 / 2147483648.0
	default:
		return nil, 0, fmt.Errorf("refclip: unsupported sample width: %d bits", dec.BitDepth)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, 0, fmt.Errorf("refclip: %s reports %d channels", path, channels)
	}
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		out[i] = float32(buf.Data[i*channels]) * scale
	}
	return out, int(dec.SampleRate), nil
}

// Clip serves sequential fixed-size blocks from a decoded signal. At
// the end of the signal it either pads the final block with silence or
// wraps to the start, driven by an explicit circular index rather than
// recursion so degenerate (very short) clips cannot blow the stack.
type Clip struct {
	signal []float32
	pos    int
	loop   bool
	done   bool
}

// NewClip wraps signal. When loop is false the clip pads its final
// partial block with silence and then reports exhaustion.
func NewClip(signal []float32, loop bool) *Clip {
	c := &Clip{signal: signal, loop: loop}
	if len(signal) == 0 {
		c.done = true
	}
	return c
}

// NextBlock fills dst with the next block. It returns false once the
// clip is exhausted (never in loop mode); dst is zero-filled in that
// case so callers can keep streaming silence.
func (c *Clip) NextBlock(dst []float32) bool {
	if c.done {
		zero(dst)
		return false
	}
	n := 0
	for n < len(dst) {
		if c.pos >= len(c.signal) {
			if !c.loop {
				zero(dst[n:])
				c.done = true
				return true
			}
			c.pos = 0
		}
		m := copy(dst[n:], c.signal[c.pos:])
		n += m
		c.pos += m
	}
	return true
}

// Done reports whether a non-looping clip has been fully served.
func (c *Clip) Done() bool { return c.done }

// Rewind restarts the clip from its first sample.
func (c *Clip) Rewind() {
	c.pos = 0
	c.done = len(c.signal) == 0
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
