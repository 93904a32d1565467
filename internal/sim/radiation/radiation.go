// Package radiation builds the X-ray heating, secondary-ionization and
// Lyman-alpha backgrounds at one redshift by summing emission from sources
// in past light-cone shells. The caller keeps the shell history (one entry
// per processed redshift step); each call smooths every shell's emissivity
// at its light-travel distance and accumulates the redshift-dimmed flux.
package radiation

import (
	"math"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/ionize"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

const stage = "radiation"

const (
	secPerYear = 3.156e7
	evToErg    = 1.602e-12
	// fraction of absorbed X-ray energy going into heat at low ionization
	xrayHeatFraction = 0.2
	// Lyman-alpha photons emitted per stellar baryon, Pop II-like
	lyaPerBaryon = 9690.0
)

// Shell is one cached light-cone contribution: the comoving emissivity grid
// produced by the sources at an earlier redshift.
type Shell struct {
	Z          float64
	Emissivity *field.Field
}

// SourceModel turns the evolved density at a redshift into a star-formation
// emissivity grid. Pluggable so alternative source prescriptions slot in
// without touching the integrator.
type SourceModel interface {
	Emissivity(z float64, density *field.Field) (*field.Field, error)
}

// StellarSources is the default model: star formation traces the collapsed
// fraction above the virial-temperature mass cut, converted at efficiency
// FStar over the TStar fraction of the local Hubble time.
type StellarSources struct {
	C        *cosmo.Cosmology
	P        params.Params
	Collapse ionize.CollapseModel
}

func (s StellarSources) Emissivity(z float64, density *field.Field) (*field.Field, error) {
	collapse := s.Collapse
	if collapse == nil {
		collapse = ionize.ConditionalPS{C: s.C}
	}
	mMin := s.C.TvirToMass(s.P.Astro.IonTvirMin(), z)
	fc, err := collapse.Scale(z, density.CellLen(), mMin)
	if err != nil {
		return nil, err
	}

	out, err := field.New(density.N, density.BoxLen, field.IonizingFlux)
	if err != nil {
		return nil, err
	}
	rhoB := s.C.RhoMean() * s.P.Cosmo.OmegaB / s.P.Cosmo.OmegaM // Msun/Mpc^3 comoving
	tStarSec := s.P.Astro.TStar / s.C.HubbleSI(z)
	norm := s.P.Astro.FStar * rhoB / (tStarSec / secPerYear) // Msun/yr/Mpc^3

	field.ForEachRange(len(out.Data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fcoll := fc(float64(density.Data[i]))
			if fcoll < 0 {
				fcoll = 0
			}
			out.Data[i] = float32(norm * (1 + float64(density.Data[i])) * fcoll)
		}
	})
	return out, nil
}

// Background holds the per-cell radiation fields at one redshift, in rates
// per baryon. Consumed by the thermal evolver and discarded.
type Background struct {
	Z       float64
	Heating *field.Field // erg/s per baryon
	Ionize  *field.Field // ionizations/s per baryon
	Lya     *field.Field // Lyman-alpha photon flux, cm^-2 s^-1 Hz^-1 sr^-1
}

// Integrate sums the shell history into the backgrounds at redshift z.
// Shells must be ordered by strictly decreasing redshift, all above z. An
// empty history yields a zero background. Only the nearest MaxShells shells
// are used; more distant emission is too dimmed to matter.
func Integrate(z float64, shells []Shell, p params.Params, c *cosmo.Cosmology, tune tuning.Tuning) (*Background, error) {
	bg, err := newZeroBackground(z, p.Box.HIIDim, p.Box.BoxLen)
	if err != nil {
		return nil, err
	}
	if len(shells) == 0 {
		return bg, nil
	}
	for i := 1; i < len(shells); i++ {
		if shells[i].Z >= shells[i-1].Z {
			return nil, simerr.Config("shell history must descend in redshift: %g follows %g", shells[i].Z, shells[i-1].Z)
		}
	}
	if shells[len(shells)-1].Z <= z {
		return nil, simerr.Config("shell at z=%g is not above the target redshift %g", shells[len(shells)-1].Z, z)
	}
	if len(shells) > tune.MaxShells {
		shells = shells[len(shells)-tune.MaxShells:]
	}

	// Per-baryon normalizations at the absorption redshift.
	zp1 := 1 + z
	nH := c.NHTotal() * zp1 * zp1 * zp1
	eX := p.Astro.LX()                       // erg/s per Msun/yr of star formation
	eThresh := p.Astro.NuXThreshEV * evToErg // erg per ionizing X-ray photon
	alpha := p.Astro.XRaySpecIndex

	buf := make([]float32, p.Box.HIIDim*p.Box.HIIDim*p.Box.HIIDim)
	for i, sh := range shells {
		rIn, rOut := shellBounds(z, i, shells, c)
		dr := rOut - rIn
		if dr <= 0 {
			continue
		}
		r := (rIn + rOut) / 2
		if r < sh.Emissivity.CellLen() {
			r = sh.Emissivity.CellLen()
		}
		field.NewSmoother(sh.Emissivity).AtRadius(r, buf)

		// A uniform shell of comoving width dr contributes emissivity*dr
		// to the local flux; the spectrum is dimmed by the redshift ratio
		// raised to the spectral index.
		dim := math.Pow(zp1/(1+sh.Z), alpha)
		wHeat := xrayHeatFraction * eX * dim * dr / nH
		wIon := wHeat / (xrayHeatFraction * eThresh)
		wLya := lyaPerBaryon * dim * dr

		field.ForEachRange(len(buf), func(lo, hi int) {
			for j := lo; j < hi; j++ {
				s := float64(buf[j])
				if s < 0 {
					s = 0
				}
				bg.Heating.Data[j] += float32(wHeat * s)
				bg.Ionize.Data[j] += float32(wIon * s)
				bg.Lya.Data[j] += float32(wLya * s)
			}
		})
	}
	return bg, nil
}

// shellBounds returns the inner and outer comoving radii of shell i, with
// boundaries at the redshift midpoints between neighbouring shells. The
// innermost shell extends down to the target redshift.
func shellBounds(z float64, i int, shells []Shell, c *cosmo.Cosmology) (float64, float64) {
	zInner := z
	if i < len(shells)-1 {
		zInner = (shells[i].Z + shells[i+1].Z) / 2
	}
	zOuter := shells[i].Z
	if i > 0 {
		zOuter = (shells[i].Z + shells[i-1].Z) / 2
	}
	return c.ComovingDistance(z, zInner), c.ComovingDistance(z, zOuter)
}

func newZeroBackground(z float64, n int, boxLen float64) (*Background, error) {
	heat, err := field.New(n, boxLen, field.HeatingRate)
	if err != nil {
		return nil, err
	}
	ion, err := field.New(n, boxLen, field.IonizingFlux)
	if err != nil {
		return nil, err
	}
	lya, err := field.New(n, boxLen, field.LymanAlphaFlux)
	if err != nil {
		return nil, err
	}
	return &Background{Z: z, Heating: heat, Ionize: ion, Lya: lya}, nil
}
