package fxlms

// kernel runs the per-sample synthesis inner loop: it advances the
// reference, secondary-path, and filtered-reference delay lines for one
// input sample and produces the anti-noise sample. Both implementations
// compute identical arithmetic; they differ only in how the delay lines
// are stored.
type kernel interface {
	// step shifts x into the delay lines and returns the filter output
	// dot(weights, refHistory).
	step(x float64, weights []float64) float64
	// fxVector copies the current filtered-reference delay line into
	// dst, most recent sample first. len(dst) is the filter length.
	fxVector(dst []float64)
	reset()
}

// shiftKernel is the portable reference implementation: each delay line
// is a slice shifted by one element per sample, index 0 holding the
// newest value.
type shiftKernel struct {
	secondary []float64
	refHist   []float64
	secHist   []float64
	fxHist    []float64
}

func newShiftKernel(filterLength int, secondary []float64) *shiftKernel {
	return &shiftKernel{
		secondary: secondary,
		refHist:   make([]float64, filterLength),
		secHist:   make([]float64, len(secondary)),
		fxHist:    make([]float64, filterLength),
	}
}

func (k *shiftKernel) step(x float64, weights []float64) float64 {
	copy(k.refHist[1:], k.refHist[:len(k.refHist)-1])
	k.refHist[0] = x

	var y float64
	for j, w := range weights {
		y += w * k.refHist[j]
	}

	copy(k.secHist[1:], k.secHist[:len(k.secHist)-1])
	k.secHist[0] = x
	var filtered float64
	for j, h := range k.secondary {
		filtered += h * k.secHist[j]
	}

	copy(k.fxHist[1:], k.fxHist[:len(k.fxHist)-1])
	k.fxHist[0] = filtered

	return y
}

func (k *shiftKernel) fxVector(dst []float64) {
	copy(dst, k.fxHist)
}

func (k *shiftKernel) reset() {
	zero(k.refHist)
	zero(k.secHist)
	zero(k.fxHist)
}

// ringKernel is the optimized implementation: the delay lines are ring
// buffers whose head walks backwards, so advancing a line is one store
// instead of a memmove. Selected by Config.Kernel = KernelRing.
type ringKernel struct {
	secondary []float64

	ref     []float64
	refHead int
	sec     []float64
	secHead int
	fx      []float64
	fxHead  int
}

func newRingKernel(filterLength int, secondary []float64) *ringKernel {
	return &ringKernel{
		secondary: secondary,
		ref:       make([]float64, filterLength),
		sec:       make([]float64, len(secondary)),
		fx:        make([]float64, filterLength),
	}
}

// push writes x as the newest element and returns the new head index.
// Element i most-recent is at (head+i) mod len.
func push(buf []float64, head int, x float64) int {
	head--
	if head < 0 {
		head = len(buf) - 1
	}
	buf[head] = x
	return head
}

func dotRing(coeffs, buf []float64, head int) float64 {
	var acc float64
	idx := head
	for _, c := range coeffs {
		acc += c * buf[idx]
		idx++
		if idx == len(buf) {
			idx = 0
		}
	}
	return acc
}

func (k *ringKernel) step(x float64, weights []float64) float64 {
	k.refHead = push(k.ref, k.refHead, x)
	y := dotRing(weights, k.ref, k.refHead)

	k.secHead = push(k.sec, k.secHead, x)
	filtered := dotRing(k.secondary, k.sec, k.secHead)

	k.fxHead = push(k.fx, k.fxHead, filtered)
	return y
}

func (k *ringKernel) fxVector(dst []float64) {
	idx := k.fxHead
	for i := range dst {
		dst[i] = k.fx[idx]
		idx++
		if idx == len(k.fx) {
			idx = 0
		}
	}
}

func (k *ringKernel) reset() {
	zero(k.ref)
	zero(k.sec)
	zero(k.fx)
	k.refHead, k.secHead, k.fxHead = 0, 0, 0
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}
