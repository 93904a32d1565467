// Package ic generates the seeded Gaussian random initial conditions: a
// high-resolution linear density contrast consistent with the matter power
// spectrum, plus the low-resolution density and line-of-sight displacement
// boxes derived from it.
//
// Generation is bit-reproducible for a fixed seed: the white-noise grid is
// filled in a fixed cell order from a single seeded source, and all spectral
// work writes to disjoint cells per worker.
package ic

import (
	"math"
	"math/rand"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
)

// InitialConditions holds the generated boxes. Density contrasts are linear
// and carried at unit growth factor; stages scale by D(z) as needed.
// Displacement boxes are in comoving Mpc, z line of sight.
type InitialConditions struct {
	Params params.Params

	HiResDensity  *field.Field // DIM^3
	LowResDensity *field.Field // HII_DIM^3
	LowResVz      *field.Field // first-order displacement, HII_DIM^3
	LowResVz2LPT  *field.Field // second-order displacement, HII_DIM^3
}

// Generate produces initial conditions for the validated parameter set.
// Fails with a configuration error before any grid is allocated when the
// box or cosmology is invalid.
func Generate(p params.Params, c *cosmo.Cosmology) (*InitialConditions, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	n := p.Box.Dim
	boxLen := p.Box.BoxLen

	hi, err := field.New(n, boxLen, field.DensityContrast)
	if err != nil {
		return nil, err
	}

	// White noise in a fixed traversal order; the seed fully determines it.
	rng := rand.New(rand.NewSource(p.Seed))
	for i := range hi.Data {
		hi.Data[i] = float32(rng.NormFloat64())
	}

	fft := field.NewFFT3(n)
	deltaK := hi.ToComplex(nil)
	fft.Forward(deltaK)
	scaleToSpectrum(deltaK, n, boxLen, c)

	// Real-space linear density.
	buf := make([]complex128, len(deltaK))
	copy(buf, deltaK)
	fft.Inverse(buf)
	hi.FromComplex(buf)

	low, err := hi.Downsample(p.Box.HIIDim)
	if err != nil {
		return nil, err
	}

	// First-order line-of-sight displacement.
	psiZ := &field.Field{N: n, BoxLen: boxLen, Quantity: field.Velocity,
		Data: field.PoissonGradient(fft, deltaK, boxLen, 2)}
	lowVz, err := psiZ.Downsample(p.Box.HIIDim)
	if err != nil {
		return nil, err
	}

	// Second-order (2LPT) line-of-sight displacement.
	src := SecondOrderSource(fft, deltaK, boxLen)
	srcK := make([]complex128, len(src))
	for i, v := range src {
		srcK[i] = complex(float64(v), 0)
	}
	fft.Forward(srcK)
	psi2Z := &field.Field{N: n, BoxLen: boxLen, Quantity: field.Velocity,
		Data: field.PoissonGradient(fft, srcK, boxLen, 2)}
	lowVz2, err := psi2Z.Downsample(p.Box.HIIDim)
	if err != nil {
		return nil, err
	}

	return &InitialConditions{
		Params:        p,
		HiResDensity:  hi,
		LowResDensity: low,
		LowResVz:      lowVz,
		LowResVz2LPT:  lowVz2,
	}, nil
}

// scaleToSpectrum reshapes white-noise modes to the linear power spectrum:
// |delta_k|^2 -> P(k) * N^3 / V, which makes the real-space variance match
// the integral of P over the sampled modes. The k=0 mode is zeroed so the
// box has exactly zero mean overdensity.
func scaleToSpectrum(deltaK []complex128, n int, boxLen float64, c *cosmo.Cosmology) {
	norm := math.Sqrt(float64(n) * float64(n) * float64(n) / (boxLen * boxLen * boxLen))
	field.ForEachSlab(n, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			kz := field.WaveNumber(z, n, boxLen)
			for y := 0; y < n; y++ {
				ky := field.WaveNumber(y, n, boxLen)
				row := (z*n + y) * n
				for x := 0; x < n; x++ {
					kx := field.WaveNumber(x, n, boxLen)
					k2 := kx*kx + ky*ky + kz*kz
					if k2 == 0 {
						deltaK[row+x] = 0
						continue
					}
					amp := math.Sqrt(c.Power(math.Sqrt(k2))) * norm
					deltaK[row+x] *= complex(amp, 0)
				}
			}
		}
	})
}

// SecondOrderSource builds the 2LPT source term from the k-space density:
// sum over i<j of phi,ii*phi,jj - phi,ij^2, evaluated in real space.
func SecondOrderSource(fft *field.FFT3, deltaK []complex128, boxLen float64) []float32 {
	dxx := field.TidalComponent(fft, deltaK, boxLen, 0, 0)
	dyy := field.TidalComponent(fft, deltaK, boxLen, 1, 1)
	dzz := field.TidalComponent(fft, deltaK, boxLen, 2, 2)
	dxy := field.TidalComponent(fft, deltaK, boxLen, 0, 1)
	dxz := field.TidalComponent(fft, deltaK, boxLen, 0, 2)
	dyz := field.TidalComponent(fft, deltaK, boxLen, 1, 2)

	out := make([]float32, len(dxx))
	field.ForEachRange(len(out), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = dxx[i]*dyy[i] - dxy[i]*dxy[i] +
				dxx[i]*dzz[i] - dxz[i]*dxz[i] +
				dyy[i]*dzz[i] - dyz[i]*dyz[i]
		}
	})
	return out
}
