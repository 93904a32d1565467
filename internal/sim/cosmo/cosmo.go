// Package cosmo provides the background cosmology used by every stage:
// expansion rate, linear growth, the matter power spectrum and its variance
// on filter scales, and the distance/temperature relations of the IGM.
//
// All comoving lengths are Mpc, masses are solar masses, temperatures K.
package cosmo

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"reionfast/internal/sim/params"
	"reionfast/internal/simerr"
)

const (
	// DeltaCrit is the spherical-collapse overdensity threshold.
	DeltaCrit = 1.686

	// TCMB0 is the CMB temperature today, K.
	TCMB0 = 2.725

	// zDecoupling marks where the gas kinetic temperature detaches from the
	// CMB and starts cooling adiabatically.
	zDecoupling = 150.0

	// rhoCrit0h2 is the critical density today over h^2, Msun/Mpc^3.
	rhoCrit0h2 = 2.7754e11

	// H0SIperH is H0/h in 1/s (100 km/s/Mpc).
	H0SIperH = 3.2407793e-18

	// cMpcPerS is the speed of light in Mpc/s.
	cMpcPerS = 9.7156e-15

	// sigma8Radius is the conventional normalization scale, Mpc/h.
	sigma8Radius = 8.0

	// Integration grid for the variance integrals, per decade of k.
	kPerDecade = 64
	kMinHMpc   = 1e-4
	kMaxHMpc   = 1e3
)

// Cosmology precomputes the power-spectrum normalization for a parameter
// set. It is immutable and safe for concurrent use.
type Cosmology struct {
	p        params.CosmoParams
	powerAmp float64 // amplitude fixing sigma(8 Mpc/h) = sigma_8
}

// New builds a Cosmology, normalizing the power spectrum to sigma_8.
func New(p params.CosmoParams) (*Cosmology, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Cosmology{p: p, powerAmp: 1}
	s2 := c.sigma2R(sigma8Radius / p.Hlittle)
	if !(s2 > 0) || math.IsInf(s2, 0) {
		return nil, simerr.Config("power spectrum normalization failed: sigma^2(8)=%g", s2)
	}
	c.powerAmp = p.Sigma8 * p.Sigma8 / s2
	return c, nil
}

func (c *Cosmology) Params() params.CosmoParams { return c.p }

// E is the dimensionless expansion rate sqrt(Om(1+z)^3 + Ol).
func (c *Cosmology) E(z float64) float64 {
	zp1 := 1 + z
	return math.Sqrt(c.p.OmegaM*zp1*zp1*zp1 + c.p.OmegaL())
}

// HubbleSI is H(z) in 1/s.
func (c *Cosmology) HubbleSI(z float64) float64 {
	return c.p.Hlittle * H0SIperH * c.E(z)
}

// OmegaMz is the matter density parameter at redshift z.
func (c *Cosmology) OmegaMz(z float64) float64 {
	zp1 := 1 + z
	e2 := c.p.OmegaM*zp1*zp1*zp1 + c.p.OmegaL()
	return c.p.OmegaM * zp1 * zp1 * zp1 / e2
}

// GrowthFactor is the linear growth factor D(z), normalized to D(0)=1,
// using the Carroll, Press & Turner fitting form.
func (c *Cosmology) GrowthFactor(z float64) float64 {
	return c.growthUnnorm(z) / c.growthUnnorm(0)
}

func (c *Cosmology) growthUnnorm(z float64) float64 {
	om := c.OmegaMz(z)
	ol := 1 - om // flat
	g := 2.5 * om / (math.Pow(om, 4.0/7.0) - ol + (1+om/2)*(1+ol/70))
	return g / (1 + z)
}

// GrowthRate is f(z) = dlnD/dlna, the Omega_m^0.55 approximation.
func (c *Cosmology) GrowthRate(z float64) float64 {
	return math.Pow(c.OmegaMz(z), 0.55)
}

// TCMB is the CMB temperature at z.
func (c *Cosmology) TCMB(z float64) float64 { return TCMB0 * (1 + z) }

// AdiabaticTk is the unheated IGM kinetic temperature at z: coupled to the
// CMB until decoupling, cooling as (1+z)^2 afterwards.
func (c *Cosmology) AdiabaticTk(z float64) float64 {
	if z >= zDecoupling {
		return c.TCMB(z)
	}
	zp1 := 1 + z
	return TCMB0 * (1 + zDecoupling) * (zp1 / (1 + zDecoupling)) * (zp1 / (1 + zDecoupling))
}

// RhoMean is the comoving mean matter density, Msun/Mpc^3.
func (c *Cosmology) RhoMean() float64 {
	return c.p.OmegaM * rhoCrit0h2 * c.p.Hlittle * c.p.Hlittle
}

// NHTotal is the comoving hydrogen number density, 1/cm^3 (primordial
// helium mass fraction 0.245).
func (c *Cosmology) NHTotal() float64 {
	const msunG = 1.989e33
	const mpcCM = 3.0857e24
	const mProton = 1.6726e-24
	rhoB := c.p.OmegaB * rhoCrit0h2 * c.p.Hlittle * c.p.Hlittle // Msun/Mpc^3
	rhoBcgs := rhoB * msunG / (mpcCM * mpcCM * mpcCM)
	return 0.755 * rhoBcgs / mProton
}

// TransferBBKS is the Bardeen et al. CDM transfer function.
func (c *Cosmology) TransferBBKS(k float64) float64 {
	if k <= 0 {
		return 1
	}
	gamma := c.p.OmegaM * c.p.Hlittle
	q := k / (gamma * c.p.Hlittle)
	a := 2.34 * q
	if a < 1e-9 {
		return 1
	}
	poly := 1 + 3.89*q + math.Pow(16.1*q, 2) + math.Pow(5.46*q, 3) + math.Pow(6.71*q, 4)
	return math.Log(1+a) / a * math.Pow(poly, -0.25)
}

// Power is the linear matter power spectrum at z=0, (Mpc)^3 for k in 1/Mpc.
func (c *Cosmology) Power(k float64) float64 {
	if k <= 0 {
		return 0
	}
	t := c.TransferBBKS(k)
	return c.powerAmp * math.Pow(k, c.p.PowerIndex) * t * t
}

func windowTopHat(x float64) float64 {
	if x < 1e-6 {
		return 1
	}
	return 3 * (math.Sin(x) - x*math.Cos(x)) / (x * x * x)
}

// sigma2R is the z=0 top-hat variance on comoving radius r Mpc.
func (c *Cosmology) sigma2R(r float64) float64 {
	n := int(math.Log10(kMaxHMpc/kMinHMpc))*kPerDecade + 1
	lnMin := math.Log(kMinHMpc)
	lnMax := math.Log(kMaxHMpc)
	dln := (lnMax - lnMin) / float64(n-1)

	samples := make([]float64, n)
	for i := range samples {
		k := math.Exp(lnMin + float64(i)*dln)
		w := windowTopHat(k * r)
		// dk/k integrand: k^3 P(k) W^2 / (2 pi^2)
		samples[i] = k * k * k * c.Power(k) * w * w / (2 * math.Pi * math.Pi)
		if i == 0 || i == n-1 {
			samples[i] *= 0.5
		}
	}
	return floats.Sum(samples) * dln
}

// SigmaR is the z=0 rms fluctuation on radius r.
func (c *Cosmology) SigmaR(r float64) float64 { return math.Sqrt(c.sigma2R(r)) }

// SigmaM is the z=0 rms fluctuation on the mass scale m.
func (c *Cosmology) SigmaM(m float64) float64 { return c.SigmaR(c.MassToRadius(m)) }

// MassToRadius converts a halo mass to the comoving Lagrangian radius.
func (c *Cosmology) MassToRadius(m float64) float64 {
	return math.Cbrt(3 * m / (4 * math.Pi * c.RhoMean()))
}

// RadiusToMass converts a comoving filter radius to the enclosed mean mass.
func (c *Cosmology) RadiusToMass(r float64) float64 {
	return 4 * math.Pi / 3 * c.RhoMean() * r * r * r
}

// TvirToMass inverts the virial temperature-mass relation at z (mean
// molecular weight 0.6, ionized primordial gas).
func (c *Cosmology) TvirToMass(tvir, z float64) float64 {
	const mu = 0.6
	x := tvir / (1.98e4 * (mu / 0.6) * ((1 + z) / 10) * math.Cbrt(c.OmegaMz(z)/c.p.OmegaM))
	return 1e8 / c.p.Hlittle * math.Pow(x, 1.5)
}

// ComovingDistance is the comoving separation between z1 < z2, Mpc.
func (c *Cosmology) ComovingDistance(z1, z2 float64) float64 {
	if z2 <= z1 {
		return 0
	}
	const steps = 256
	dz := (z2 - z1) / steps
	sum := 0.0
	for i := 0; i <= steps; i++ {
		z := z1 + float64(i)*dz
		w := 1.0
		if i == 0 || i == steps {
			w = 0.5
		}
		sum += w / c.HubbleSI(z)
	}
	return cMpcPerS * sum * dz
}

// DtDz is |dt/dz| at z, seconds per unit redshift.
func (c *Cosmology) DtDz(z float64) float64 {
	return 1 / (c.HubbleSI(z) * (1 + z))
}
