// Package spintemp advances the per-cell thermal and ionization state of the
// neutral gas across one redshift step and derives the 21cm spin temperature
// from the collisional and Lyman-alpha couplings. This is the sequential
// heart of the pipeline: each step consumes the previous step's state.
package spintemp

import (
	"math"
	"sync"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/radiation"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

const stage = "spintemp"

const (
	boltzmannErgK = 1.3806e-16
	// residual electron fraction left over from recombination
	xeResidual = 2e-4
	// 21cm hyperfine constants
	tStar21 = 0.0682   // K
	a10     = 2.85e-15 // s^-1
	// Compton coupling time to the CMB, seconds at (1+z)=1
	comptonTimeSec = 3.69e19
	caseBRecomb    = 2.59e-13
	minTk          = 0.1
)

// State is the cumulative thermal history carried between redshift steps.
type State struct {
	Z  float64
	Tk *field.Field // kinetic temperature, K
	Xe *field.Field // electron fraction in the neutral phase
}

// NewState seeds the history at the starting redshift with the adiabatic
// temperature and the post-recombination residual electron fraction.
func NewState(z float64, p params.Params, c *cosmo.Cosmology) (*State, error) {
	tk, err := field.New(p.Box.HIIDim, p.Box.BoxLen, field.KineticTemp)
	if err != nil {
		return nil, err
	}
	xe, err := field.New(p.Box.HIIDim, p.Box.BoxLen, field.IonizedFraction)
	if err != nil {
		return nil, err
	}
	t0 := float32(c.AdiabaticTk(z))
	for i := range tk.Data {
		tk.Data[i] = t0
		xe.Data[i] = xeResidual
	}
	return &State{Z: z, Tk: tk, Xe: xe}, nil
}

// Clone deep-copies the state, for checkpointing.
func (s *State) Clone() *State {
	return &State{Z: s.Z, Tk: s.Tk.Clone(), Xe: s.Xe.Clone()}
}

// Result bundles the advanced state with the derived spin temperature.
type Result struct {
	State *State
	Ts    *field.Field
}

// forcing carries the per-step coefficients frozen at the midpoint redshift.
type forcing struct {
	dt       float64 // total step, seconds
	hubble   float64
	tcmb     float64
	nH       float64 // mean physical H density, cm^-3
	compton  float64 // xe-independent part of the Compton rate, s^-1
	clumping float64
}

// Advance integrates kinetic temperature and electron fraction from the
// previous state down to zTo, forced by the radiation background, then
// computes the spin temperature at zTo. Each cell sub-steps independently,
// doubling its sub-step count until two successive resolutions agree within
// the configured relative tolerance; a cell that fails to converge within
// the refinement bound aborts the step with a numerical-instability error.
func Advance(prev *State, bg *radiation.Background, density *field.Field, zTo float64, c *cosmo.Cosmology, tune tuning.Tuning) (*Result, error) {
	if zTo >= prev.Z {
		return nil, simerr.Config("thermal step must descend in redshift: %g -> %g", prev.Z, zTo)
	}

	zMid := (prev.Z + zTo) / 2
	zp1 := 1 + zMid
	f := forcing{
		dt:       (prev.Z - zTo) * c.DtDz(zMid),
		hubble:   c.HubbleSI(zMid),
		tcmb:     c.TCMB(zMid),
		nH:       c.NHTotal() * zp1 * zp1 * zp1,
		compton:  math.Pow(zp1, 4) / comptonTimeSec,
		clumping: tune.ClumpingFactor,
	}

	next := &State{Z: zTo}
	var err error
	if next.Tk, err = field.New(prev.Tk.N, prev.Tk.BoxLen, field.KineticTemp); err != nil {
		return nil, err
	}
	if next.Xe, err = field.New(prev.Xe.N, prev.Xe.BoxLen, field.IonizedFraction); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var firstErr error
	field.ForEachRange(len(prev.Tk.Data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			cell := cellForcing{
				forcing: f,
				heat:    float64(bg.Heating.Data[i]),
				ionize:  float64(bg.Ionize.Data[i]),
				overd:   1 + float64(density.Data[i]),
			}
			tk, xe, ok := integrateCell(float64(prev.Tk.Data[i]), float64(prev.Xe.Data[i]), cell, tune)
			if !ok {
				mu.Lock()
				if firstErr == nil {
					firstErr = simerr.Numeric(stage, zTo, "thermal integration did not converge at cell %d after %d refinements", i, tune.SubstepMaxRefinements)
				}
				mu.Unlock()
				return
			}
			next.Tk.Data[i] = float32(tk)
			next.Xe.Data[i] = float32(xe)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}

	ts, err := SpinTemperature(next, bg, density, c)
	if err != nil {
		return nil, err
	}
	return &Result{State: next, Ts: ts}, nil
}

type cellForcing struct {
	forcing
	heat   float64 // erg/s per baryon
	ionize float64 // ionizations/s per baryon
	overd  float64 // 1+delta
}

// integrateCell advances one cell with explicit sub-stepped Euler, doubling
// the sub-step count until consecutive resolutions agree.
func integrateCell(tk0, xe0 float64, f cellForcing, tune tuning.Tuning) (tk, xe float64, ok bool) {
	n := tune.SubstepsInitial
	tk, xe = eulerRun(tk0, xe0, n, f)
	for refine := 0; refine < tune.SubstepMaxRefinements; refine++ {
		n *= 2
		tk2, xe2 := eulerRun(tk0, xe0, n, f)
		if !isFinite(tk2) || !isFinite(xe2) {
			return 0, 0, false
		}
		if relDiff(tk, tk2) <= tune.SubstepRelChange && relDiff(xe, xe2) <= tune.SubstepRelChange {
			return tk2, xe2, true
		}
		tk, xe = tk2, xe2
	}
	return 0, 0, false
}

func eulerRun(tk, xe float64, n int, f cellForcing) (float64, float64) {
	h := f.dt / float64(n)
	nHLocal := f.nH * f.overd
	for s := 0; s < n; s++ {
		// dTk/dt: X-ray heating, Hubble cooling, Compton coupling to CMB.
		comptonRate := f.compton * xe / (1 + xe)
		dTk := 2*f.heat/(3*boltzmannErgK*(1+xe)) -
			2*f.hubble*tk +
			comptonRate*(f.tcmb-tk)
		// dxe/dt: secondary ionizations against case-B recombinations.
		dXe := f.ionize*(1-xe) - caseBRecomb*f.clumping*xe*xe*nHLocal

		tk += h * dTk
		xe += h * dXe
		if tk < minTk {
			tk = minTk
		}
		if xe < 0 {
			xe = 0
		} else if xe > 1 {
			xe = 1
		}
	}
	return tk, xe
}

// kappa10 is the H-H collisional spin de-excitation rate, cm^3/s
// (Kuhlen & Madau fit, valid for Tk above a few K).
func kappa10(tk float64) float64 {
	return 3.1e-11 * math.Pow(tk, 0.357) * math.Exp(-32/tk)
}

// SpinTemperature combines the CMB, collisional, and Lyman-alpha couplings
// into Ts. The Lyman-alpha color temperature is approximated by Tk.
func SpinTemperature(st *State, bg *radiation.Background, density *field.Field, c *cosmo.Cosmology) (*field.Field, error) {
	z := st.Z
	ts, err := field.New(st.Tk.N, st.Tk.BoxLen, field.SpinTemp)
	if err != nil {
		return nil, err
	}
	zp1 := 1 + z
	nH := c.NHTotal() * zp1 * zp1 * zp1
	tcmb := c.TCMB(z)

	field.ForEachRange(len(ts.Data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			tk := float64(st.Tk.Data[i])
			if tk < minTk {
				tk = minTk
			}
			xc := nH * (1 + float64(density.Data[i])) * kappa10(tk) * tStar21 / (a10 * tcmb)
			xa := 1.81e11 * float64(bg.Lya.Data[i]) / zp1
			inv := (1/tcmb + xa/tk + xc/tk) / (1 + xa + xc)
			ts.Data[i] = float32(1 / inv)
		}
	})
	return ts, nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func relDiff(a, b float64) float64 {
	scale := math.Abs(b)
	if s := math.Abs(a); s > scale {
		scale = s
	}
	if scale < 1e-12 {
		return 0
	}
	return math.Abs(a-b) / scale
}
