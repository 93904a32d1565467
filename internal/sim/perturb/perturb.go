// Package perturb evolves the initial conditions to a target redshift with
// first- or second-order Lagrangian perturbation theory: cells of the
// high-resolution grid are displaced along the growth-scaled displacement
// field and re-binned onto the output grids with cloud-in-cell weights.
package perturb

import (
	"math"
	"runtime"
	"sync"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/ic"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

const stage = "perturb"

// Options selects the displacement order and the optional outputs. The
// DIM^3 fields cost an extra re-binning pass each, so they are produced
// only on request.
type Options struct {
	SecondOrder    bool
	WantVelocity   bool
	WantDensityHi  bool
	WantVelocityHi bool
}

// PerturbedField is the evolved density and optional line-of-sight velocity
// at one redshift. The Hi variants are nil unless requested.
type PerturbedField struct {
	Redshift   float64
	Density    *field.Field // HII_DIM^3 density contrast
	DensityHi  *field.Field // DIM^3 density contrast
	Velocity   *field.Field // HII_DIM^3, comoving Mpc/s
	VelocityHi *field.Field // DIM^3, comoving Mpc/s
}

// Evolve displaces the initial field to redshift z and re-bins it. Mass is
// conserved by construction (cloud-in-cell weights sum to one, overlapping
// deposits accumulate); the post-binning mean is still checked against the
// configured tolerance to catch displacement pathologies.
func Evolve(ics *ic.InitialConditions, c *cosmo.Cosmology, z float64, opt Options, tune tuning.Tuning) (*PerturbedField, error) {
	if z < 0 {
		return nil, simerr.Config("target redshift must be non-negative, got %g", z)
	}
	p := ics.Params
	nHi := p.Box.Dim
	nLo := p.Box.HIIDim
	boxLen := p.Box.BoxLen

	fft := field.NewFFT3(nHi)
	deltaK := ics.HiResDensity.ToComplex(nil)
	fft.Forward(deltaK)

	psi := [3][]float32{
		field.PoissonGradient(fft, deltaK, boxLen, 0),
		field.PoissonGradient(fft, deltaK, boxLen, 1),
		field.PoissonGradient(fft, deltaK, boxLen, 2),
	}

	var psi2 [3][]float32
	if opt.SecondOrder {
		src := ic.SecondOrderSource(fft, deltaK, boxLen)
		srcK := make([]complex128, len(src))
		for i, v := range src {
			srcK[i] = complex(float64(v), 0)
		}
		fft.Forward(srcK)
		for axis := 0; axis < 3; axis++ {
			psi2[axis] = field.PoissonGradient(fft, srcK, boxLen, axis)
		}
	}
	deltaK = nil

	d := c.GrowthFactor(z)
	d2 := -3.0 / 7.0 * d * d

	// Total displacement per axis, checked against the half-box bound
	// beyond which the Lagrangian map stops being single-valued.
	disp := make([][]float32, 3)
	maxDisp := 0.0
	var mu sync.Mutex
	for axis := 0; axis < 3; axis++ {
		disp[axis] = make([]float32, len(psi[axis]))
		a := axis
		field.ForEachRange(len(disp[a]), func(lo, hi int) {
			localMax := 0.0
			for i := lo; i < hi; i++ {
				v := d * float64(psi[a][i])
				if opt.SecondOrder {
					v += d2 * float64(psi2[a][i])
				}
				disp[a][i] = float32(v)
				if av := math.Abs(v); av > localMax {
					localMax = av
				}
			}
			mu.Lock()
			if localMax > maxDisp {
				maxDisp = localMax
			}
			mu.Unlock()
		})
	}
	if maxDisp > boxLen/2 {
		return nil, simerr.Numeric(stage, z, "displacement %.3g Mpc exceeds half the box (%g Mpc)", maxDisp, boxLen)
	}

	dens, err := depositDensity(disp, nHi, boxLen, nLo, z, tune)
	if err != nil {
		return nil, err
	}

	out := &PerturbedField{Redshift: z, Density: dens}

	if opt.WantDensityHi {
		densHi, err := depositDensity(disp, nHi, boxLen, nHi, z, tune)
		if err != nil {
			return nil, err
		}
		out.DensityHi = densHi
	}

	// v = dD/dt * psi = D*f*H*psi; the 2LPT piece carries twice the
	// growth rate of its D^2 displacement prefactor.
	v1 := d * c.GrowthRate(z) * c.HubbleSI(z)
	v2 := 2 * d2 * c.GrowthRate(z) * c.HubbleSI(z)

	if opt.WantVelocity {
		vel, err := field.New(nLo, boxLen, field.Velocity)
		if err != nil {
			return nil, err
		}
		field.ForEachRange(len(vel.Data), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				v := v1 * float64(ics.LowResVz.Data[i])
				if opt.SecondOrder {
					v += v2 * float64(ics.LowResVz2LPT.Data[i])
				}
				vel.Data[i] = float32(v)
			}
		})
		out.Velocity = vel
	}

	if opt.WantVelocityHi {
		velHi, err := field.New(nHi, boxLen, field.Velocity)
		if err != nil {
			return nil, err
		}
		field.ForEachRange(len(velHi.Data), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				v := v1 * float64(psi[2][i])
				if opt.SecondOrder {
					v += v2 * float64(psi2[2][i])
				}
				velHi.Data[i] = float32(v)
			}
		})
		out.VelocityHi = velHi
	}

	return out, nil
}

// depositDensity re-bins equal-mass elements from the displaced hi-res grid
// onto an nOut^3 grid and converts counts to density contrast.
func depositDensity(disp [][]float32, nHi int, boxLen float64, nOut int, z float64, tune tuning.Tuning) (*field.Field, error) {
	counts, err := cicDeposit(disp, nHi, boxLen, nOut)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, v := range counts {
		total += v
	}
	nTot := float64(nHi) * float64(nHi) * float64(nHi)
	if rel := math.Abs(total/nTot - 1); rel > tune.MassConservationTol {
		return nil, simerr.Numeric(stage, z, "mass conservation violated after re-binning: relative error %.3g (tolerance %.3g)", rel, tune.MassConservationTol)
	}

	out, err := field.New(nOut, boxLen, field.DensityContrast)
	if err != nil {
		return nil, err
	}
	perCell := nTot / float64(len(counts))
	field.ForEachRange(len(counts), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.Data[i] = float32(counts[i]/perCell - 1)
		}
	})
	return out, nil
}

// cicDeposit spreads each displaced mass element over its eight neighbour
// cells with cloud-in-cell weights, periodic in every axis. Workers deposit
// into private grids which are then summed, so overlapping deposits
// accumulate additively and no atomics are needed. The private grids count
// against the allocation budget: parallelism shrinks to fit it, and a single
// grid over budget is refused.
func cicDeposit(disp [][]float32, nHi int, boxLen float64, nOut int) ([]float64, error) {
	gridBytes := int64(nOut) * int64(nOut) * int64(nOut) * 8
	budget := field.AllocBudget()
	if gridBytes > budget {
		return nil, simerr.Resource(stage, "deposit scratch grid %d^3 needs %d bytes, budget %d", nOut, gridBytes, budget)
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > nHi {
		workers = nHi
	}
	if maxGrids := int(budget / gridBytes); workers > maxGrids {
		workers = maxGrids
	}
	chunk := (nHi + workers - 1) / workers

	cellHi := boxLen / float64(nHi)
	scale := float64(nOut) / boxLen

	grids := make([][]float64, 0, workers)
	var wg sync.WaitGroup
	var gridsMu sync.Mutex

	for z0 := 0; z0 < nHi; z0 += chunk {
		z1 := z0 + chunk
		if z1 > nHi {
			z1 = nHi
		}
		local := make([]float64, nOut*nOut*nOut)
		gridsMu.Lock()
		grids = append(grids, local)
		gridsMu.Unlock()

		wg.Add(1)
		go func(z0, z1 int, acc []float64) {
			defer wg.Done()
			for zi := z0; zi < z1; zi++ {
				for yi := 0; yi < nHi; yi++ {
					row := (zi*nHi + yi) * nHi
					for xi := 0; xi < nHi; xi++ {
						i := row + xi
						px := (float64(xi)+0.5)*cellHi + float64(disp[0][i])
						py := (float64(yi)+0.5)*cellHi + float64(disp[1][i])
						pz := (float64(zi)+0.5)*cellHi + float64(disp[2][i])

						depositCIC(acc, nOut, px*scale-0.5, py*scale-0.5, pz*scale-0.5)
					}
				}
			}
		}(z0, z1, local)
	}
	wg.Wait()

	out := make([]float64, nOut*nOut*nOut)
	for _, g := range grids {
		field.ForEachRange(len(out), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				out[i] += g[i]
			}
		})
	}
	return out, nil
}

func depositCIC(acc []float64, n int, ux, uy, uz float64) {
	x0 := int(math.Floor(ux))
	y0 := int(math.Floor(uy))
	z0 := int(math.Floor(uz))
	fx := ux - float64(x0)
	fy := uy - float64(y0)
	fz := uz - float64(z0)

	x0 = wrap(x0, n)
	y0 = wrap(y0, n)
	z0 = wrap(z0, n)
	x1 := x0 + 1
	if x1 == n {
		x1 = 0
	}
	y1 := y0 + 1
	if y1 == n {
		y1 = 0
	}
	z1 := z0 + 1
	if z1 == n {
		z1 = 0
	}

	acc[x0+n*(y0+n*z0)] += (1 - fx) * (1 - fy) * (1 - fz)
	acc[x1+n*(y0+n*z0)] += fx * (1 - fy) * (1 - fz)
	acc[x0+n*(y1+n*z0)] += (1 - fx) * fy * (1 - fz)
	acc[x1+n*(y1+n*z0)] += fx * fy * (1 - fz)
	acc[x0+n*(y0+n*z1)] += (1 - fx) * (1 - fy) * fz
	acc[x1+n*(y0+n*z1)] += fx * (1 - fy) * fz
	acc[x0+n*(y1+n*z1)] += (1 - fx) * fy * fz
	acc[x1+n*(y1+n*z1)] += fx * fy * fz
}

func wrap(i, n int) int {
	m := i % n
	if m < 0 {
		m += n
	}
	return m
}
