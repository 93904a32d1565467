package field

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT3 performs in-place 3D complex FFTs on flattened n^3 buffers by
// applying 1D transforms along each axis. Each worker keeps its own plan;
// the gonum plans hold scratch state and are not safe to share.
type FFT3 struct {
	n int
}

func NewFFT3(n int) *FFT3 { return &FFT3{n: n} }

func (t *FFT3) Len() int { return t.n }

// Forward replaces data with its (unnormalized) discrete Fourier transform.
func (t *FFT3) Forward(data []complex128) { t.transform(data, false) }

// Inverse replaces data with the inverse transform, normalized so that
// Inverse(Forward(x)) == x.
func (t *FFT3) Inverse(data []complex128) {
	t.transform(data, true)
	norm := 1.0 / float64(t.n*t.n*t.n)
	ForEachRange(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] *= complex(norm, 0)
		}
	})
}

func (t *FFT3) transform(data []complex128, inverse bool) {
	for axis := 0; axis < 3; axis++ {
		t.transformAxis(data, axis, inverse)
	}
}

// transformAxis runs the n^2 independent lines along one axis in parallel.
func (t *FFT3) transformAxis(data []complex128, axis int, inverse bool) {
	n := t.n
	ForEachRange(n*n, func(lo, hi int) {
		plan := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)
		out := make([]complex128, n)
		for li := lo; li < hi; li++ {
			base, stride := lineStart(li, n, axis)
			for i := 0; i < n; i++ {
				line[i] = data[base+i*stride]
			}
			if inverse {
				plan.Sequence(out, line)
			} else {
				plan.Coefficients(out, line)
			}
			for i := 0; i < n; i++ {
				data[base+i*stride] = out[i]
			}
		}
	})
}

// lineStart maps a line index to the flat offset and stride of that line.
// Flat layout is x + n*(y + n*z).
func lineStart(li, n, axis int) (base, stride int) {
	switch axis {
	case 0: // lines along x, enumerated by (z,y)
		return li * n, 1
	case 1: // lines along y, enumerated by (z,x)
		z, x := li/n, li%n
		return z*n*n + x, n
	default: // lines along z, enumerated by (y,x)
		return li, n * n
	}
}

// WaveNumber returns the signed wavenumber 2*pi*m/L for grid index i of an
// n-point axis, with m in (-n/2, n/2].
func WaveNumber(i, n int, boxLen float64) float64 {
	m := i
	if i > n/2 {
		m = i - n
	}
	return 2 * math.Pi * float64(m) / boxLen
}
