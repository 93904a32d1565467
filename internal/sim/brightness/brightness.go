// Package brightness derives the differential 21cm brightness temperature
// from the density, ionization, and spin-temperature fields. Stateless: per
// cell arithmetic only.
package brightness

import (
	"math"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/simerr"
)

// maximum line-of-sight velocity gradient, in units of H(z), before the
// optical-depth correction is clamped
const maxVelGradient = 0.2

// Compute returns delta T_b in mK. A nil spin temperature selects the
// saturated limit (Ts much larger than the CMB, the contrast factor is 1).
// A non-nil line-of-sight velocity applies the gradient correction for
// redshift-space distortions.
func Compute(z float64, density, xhii, ts, vel *field.Field, c *cosmo.Cosmology) (*field.Field, error) {
	if density.N != xhii.N || (ts != nil && ts.N != density.N) || (vel != nil && vel.N != density.N) {
		return nil, simerr.Config("brightness inputs disagree on grid size")
	}
	out, err := field.New(density.N, density.BoxLen, field.BrightnessTemp)
	if err != nil {
		return nil, err
	}

	p := c.Params()
	prefactor := 27 * math.Sqrt((1+z)/10) *
		math.Sqrt(0.15/(p.OmegaM*p.Hlittle*p.Hlittle)) *
		(p.OmegaB * p.Hlittle * p.Hlittle / 0.023)
	tcmb := c.TCMB(z)

	var gradient []float32
	if vel != nil {
		gradient = velocityGradient(vel)
	}
	hubble := c.HubbleSI(z)

	field.ForEachRange(len(out.Data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			xHI := 1 - float64(xhii.Data[i])
			if xHI < 0 {
				xHI = 0
			}
			dtb := prefactor * xHI * (1 + float64(density.Data[i]))
			if ts != nil {
				t := float64(ts.Data[i])
				if t <= 0 {
					dtb = 0
				} else {
					dtb *= 1 - tcmb/t
				}
			}
			if gradient != nil {
				g := float64(gradient[i]) / hubble
				if g > maxVelGradient {
					g = maxVelGradient
				} else if g < -maxVelGradient {
					g = -maxVelGradient
				}
				dtb /= 1 + g
			}
			out.Data[i] = float32(dtb)
		}
	})
	return out, nil
}

// velocityGradient differentiates the line-of-sight velocity along z in
// Fourier space. Velocity is in comoving Mpc/s, so the gradient shares
// units with H(z).
func velocityGradient(vel *field.Field) []float32 {
	fft := field.NewFFT3(vel.N)
	buf := vel.ToComplex(nil)
	fft.Forward(buf)
	return field.ApplyKernel(fft, buf, vel.BoxLen, func(kx, ky, kz float64) complex128 {
		return complex(0, kz)
	})
}
