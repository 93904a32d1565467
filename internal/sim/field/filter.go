package field

import (
	"math"
)

// Smoother convolves one field with real-space top-hat filters of varying
// radius, working in Fourier space. The forward transform happens once at
// construction; each AtRadius call costs one inverse transform.
type Smoother struct {
	n      int
	boxLen float64
	fft    *FFT3
	kspace []complex128
}

// NewSmoother captures the field's spectrum. The field is not retained.
func NewSmoother(f *Field) *Smoother {
	fft := NewFFT3(f.N)
	buf := f.ToComplex(nil)
	fft.Forward(buf)
	return &Smoother{n: f.N, boxLen: f.BoxLen, fft: fft, kspace: buf}
}

// topHatK is the Fourier transform of the real-space spherical top hat.
func topHatK(kr float64) float64 {
	if kr < 1e-6 {
		return 1
	}
	return 3 * (math.Sin(kr) - kr*math.Cos(kr)) / (kr * kr * kr)
}

// AtRadius writes the field smoothed at comoving radius r (Mpc) into dst,
// which must hold n^3 samples. r at or below the cell scale returns the
// unsmoothed field.
func (s *Smoother) AtRadius(r float64, dst []float32) {
	n := s.n
	buf := make([]complex128, len(s.kspace))

	if r <= s.boxLen/float64(n) {
		copy(buf, s.kspace)
	} else {
		ForEachSlab(n, func(z0, z1 int) {
			for z := z0; z < z1; z++ {
				kz := WaveNumber(z, n, s.boxLen)
				for y := 0; y < n; y++ {
					ky := WaveNumber(y, n, s.boxLen)
					row := (z*n + y) * n
					for x := 0; x < n; x++ {
						kx := WaveNumber(x, n, s.boxLen)
						k := math.Sqrt(kx*kx + ky*ky + kz*kz)
						w := topHatK(k * r)
						buf[row+x] = s.kspace[row+x] * complex(w, 0)
					}
				}
			}
		})
	}

	s.fft.Inverse(buf)
	ForEachRange(len(dst), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = float32(real(buf[i]))
		}
	})
}
