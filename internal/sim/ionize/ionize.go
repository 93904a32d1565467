// Package ionize finds ionized regions with an excursion-set scan: the
// density field is smoothed at a descending ladder of filter radii and a
// cell is flagged ionized at the largest scale where the collapsed fraction
// supplies enough photons to ionize the region and pay for its cumulative
// recombinations.
package ionize

import (
	"math"
	"sync"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

const stage = "ionize"

// CollapseModel maps a smoothed density contrast to the fraction of matter
// collapsed into halos above the minimum mass, at one filter scale.
type CollapseModel interface {
	// Scale prepares the model for one (redshift, radius, minimum mass)
	// triple and returns the per-cell collapsed-fraction function.
	Scale(z, radius, mMin float64) (func(delta float64) float64, error)
}

// ConditionalPS is the conditional Press-Schechter collapsed fraction within
// a region of given smoothed overdensity.
type ConditionalPS struct {
	C *cosmo.Cosmology
}

func (m ConditionalPS) Scale(z, radius, mMin float64) (func(delta float64) float64, error) {
	if mMin <= 0 {
		return nil, simerr.Config("minimum halo mass must be positive, got %g", mMin)
	}
	growth := m.C.GrowthFactor(z)
	sigMin := m.C.SigmaM(mMin) * growth
	sigR := m.C.SigmaR(radius) * growth
	variance := sigMin*sigMin - sigR*sigR
	if variance <= 0 {
		// Filter scale at or below the minimum halo mass: collapse is a
		// step at the spherical-collapse threshold.
		return func(delta float64) float64 {
			if delta >= cosmo.DeltaCrit {
				return 1
			}
			return 0
		}, nil
	}
	denom := math.Sqrt(2 * variance)
	return func(delta float64) float64 {
		if delta >= cosmo.DeltaCrit {
			return 1
		}
		return math.Erfc((cosmo.DeltaCrit - delta) / denom)
	}, nil
}

// Result is the ionization field produced by one excursion-set scan.
type Result struct {
	XHII     *field.Field
	MeanXHII float64
}

// Run scans filter radii from min(RBubbleMax, BoxLen/2) down to the cell
// size, geometrically spaced by the tuning step factor. Cells flagged at a
// larger radius stay flagged at every smaller one. At the final cell scale
// unresolved sources contribute partial ionization.
func Run(z float64, density, nrec *field.Field, p params.Params, c *cosmo.Cosmology, model CollapseModel, tune tuning.Tuning) (*Result, error) {
	if model == nil {
		model = ConditionalPS{C: c}
	}
	mMin := c.TvirToMass(p.Astro.IonTvirMin(), z)
	zeta := p.Astro.HIIEffFactor

	xhii, err := field.New(density.N, density.BoxLen, field.IonizedFraction)
	if err != nil {
		return nil, err
	}

	sm := field.NewSmoother(density)
	var smRec *field.Smoother
	if nrec != nil {
		smRec = field.NewSmoother(nrec)
	}

	cell := density.CellLen()
	rMax := p.Astro.RBubbleMax
	if half := density.BoxLen / 2; rMax > half {
		rMax = half
	}

	buf := make([]float32, len(density.Data))
	recBuf := make([]float32, len(density.Data))

	for r := rMax; r > cell; r /= tune.FilterStepFactor {
		sm.AtRadius(r, buf)
		recAtR := noRecombinations
		if smRec != nil {
			smRec.AtRadius(r, recBuf)
			recAtR = func(i int) float64 { return float64(recBuf[i]) }
		}
		fc, err := model.Scale(z, r, mMin)
		if err != nil {
			return nil, err
		}
		if err := flagIonized(xhii, buf, recAtR, fc, zeta, z, tune); err != nil {
			return nil, err
		}
	}

	// Cell scale: threshold test on the raw field, then partial
	// ionization for everything still neutral.
	fc, err := model.Scale(z, cell, mMin)
	if err != nil {
		return nil, err
	}
	recAtCell := noRecombinations
	if nrec != nil {
		recAtCell = func(i int) float64 { return float64(nrec.Data[i]) }
	}
	if err := flagIonized(xhii, density.Data, recAtCell, fc, zeta, z, tune); err != nil {
		return nil, err
	}
	if err := partialIonize(xhii, density.Data, recAtCell, fc, zeta, z, tune); err != nil {
		return nil, err
	}

	return &Result{XHII: xhii, MeanXHII: xhii.Mean()}, nil
}

func noRecombinations(int) float64 { return 0 }

func flagIonized(xhii *field.Field, smoothed []float32, rec func(int) float64, fc func(float64) float64, zeta, z float64, tune tuning.Tuning) error {
	return scanCells(smoothed, fc, z, tune, func(i int, fcoll float64) {
		if xhii.Data[i] < 1 && zeta*fcoll >= 1+rec(i) {
			xhii.Data[i] = 1
		}
	})
}

func partialIonize(xhii *field.Field, delta []float32, rec func(int) float64, fc func(float64) float64, zeta, z float64, tune tuning.Tuning) error {
	return scanCells(delta, fc, z, tune, func(i int, fcoll float64) {
		if xhii.Data[i] >= 1 {
			return
		}
		x := zeta * fcoll / (1 + rec(i))
		if x > 1 {
			x = 1
		}
		xhii.Data[i] = float32(x)
	})
}

// scanCells evaluates the collapsed fraction per cell in parallel, validating
// it before clamping: non-finite values or negatives beyond the configured
// tolerance abort the scan.
func scanCells(deltas []float32, fc func(float64) float64, z float64, tune tuning.Tuning, apply func(i int, fcoll float64)) error {
	var mu sync.Mutex
	var firstErr error
	field.ForEachRange(len(deltas), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fcoll := fc(float64(deltas[i]))
			if math.IsNaN(fcoll) || math.IsInf(fcoll, 0) || fcoll < -tune.FcollNegativeTol {
				mu.Lock()
				if firstErr == nil {
					firstErr = simerr.Numeric(stage, z, "collapsed fraction %g at cell %d outside valid range", fcoll, i)
				}
				mu.Unlock()
				return
			}
			if fcoll < 0 {
				fcoll = 0
			}
			apply(i, fcoll)
		}
	})
	return firstErr
}

// caseBRecomb is the case-B recombination coefficient at 1e4 K, cm^3/s.
const caseBRecomb = 2.59e-13

// UpdateRecombinations accumulates recombinations per baryon in ionized gas
// over the step from zFrom down to zTo, using the configured subgrid
// clumping factor. nrec is modified in place.
func UpdateRecombinations(nrec, xhii, density *field.Field, zFrom, zTo float64, c *cosmo.Cosmology, tune tuning.Tuning) error {
	if zTo >= zFrom {
		return simerr.Config("recombination step must descend in redshift: %g -> %g", zFrom, zTo)
	}
	zMid := (zFrom + zTo) / 2
	zp1 := 1 + zMid
	nH := c.NHTotal() * zp1 * zp1 * zp1
	dt := (zFrom - zTo) * c.DtDz(zMid)
	rate := caseBRecomb * tune.ClumpingFactor * nH * dt

	field.ForEachRange(len(nrec.Data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			x := float64(xhii.Data[i])
			nrec.Data[i] += float32(rate * x * (1 + float64(density.Data[i])))
		}
	})
	return nil
}
