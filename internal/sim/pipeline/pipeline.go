// Package pipeline drives the redshift-descending loop: perturb the initial
// conditions to each redshift, integrate the radiation backgrounds over the
// accumulated source history, advance the thermal state, scan for ionized
// regions, and derive the brightness temperature. State threads forward
// across steps and is the unit of checkpointing.
package pipeline

import (
	"log"
	"sync"
	"time"

	"reionfast/internal/sim/brightness"
	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/field"
	"reionfast/internal/sim/ic"
	"reionfast/internal/sim/ionize"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/perturb"
	"reionfast/internal/sim/radiation"
	"reionfast/internal/sim/spintemp"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

// RedshiftState is everything carried from one redshift step to the next:
// thermal history, cumulative recombinations, and the source light-cone.
// It serializes as a checkpoint.
type RedshiftState struct {
	Redshift  float64
	StepIndex int
	MMin      float64 // minimum halo mass at Redshift, Msun
	Thermal   *spintemp.State
	NRec      *field.Field // cumulative recombinations per baryon; nil unless tracked
	Shells    []radiation.Shell
	MeanXHII  float64
}

// StepOutput is the per-redshift field bundle handed to the caller.
type StepOutput struct {
	Redshift   float64
	Density    *field.Field
	Velocity   *field.Field // nil unless subcell RSD is on
	XHII       *field.Field
	Ts         *field.Field // nil when spin-temperature fluctuations are off
	Brightness *field.Field
	MeanXHII   float64
}

// StepFunc observes each completed step, in order. Returning an error stops
// the run. Used for checkpointing and progress streaming.
type StepFunc func(*StepOutput, *RedshiftState) error

// Engine owns the immutable run inputs: parameters, cosmology, tuning, and
// the realized initial conditions.
type Engine struct {
	p      params.Params
	c      *cosmo.Cosmology
	tune   tuning.Tuning
	ics    *ic.InitialConditions
	logger *log.Logger
}

// New validates the parameters, applies the allocation budget, and realizes
// the initial conditions for the run seed.
func New(p params.Params, tune tuning.Tuning, logger *log.Logger) (*Engine, error) {
	p, err := params.New(p)
	if err != nil {
		return nil, err
	}
	tune.ApplyDefaults()
	field.SetAllocBudget(int64(tune.AllocBudgetGiB) << 30)

	c, err := cosmo.New(p.Cosmo)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ics, err := ic.Generate(p, c)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Printf("initial conditions ready dim=%d hii_dim=%d box=%.1fMpc seed=%d elapsed=%s",
			p.Box.Dim, p.Box.HIIDim, p.Box.BoxLen, p.Seed, time.Since(start).Round(time.Millisecond))
	}
	return &Engine{p: p, c: c, tune: tune, ics: ics, logger: logger}, nil
}

func (e *Engine) Params() params.Params       { return e.p }
func (e *Engine) Cosmology() *cosmo.Cosmology { return e.c }
func (e *Engine) InitialState() (*RedshiftState, error) {
	st, err := spintemp.NewState(e.p.Astro.ZHeatMax, e.p, e.c)
	if err != nil {
		return nil, err
	}
	rs := &RedshiftState{Redshift: e.p.Astro.ZHeatMax, Thermal: st, MMin: e.c.TvirToMass(e.p.Astro.IonTvirMin(), e.p.Astro.ZHeatMax)}
	if e.p.Flags.InhomoReco {
		rs.NRec, err = field.New(e.p.Box.HIIDim, e.p.Box.BoxLen, field.IonizedFraction)
		if err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Step advances the state from its current redshift down to z and returns
// the output fields. z must be strictly below the state's redshift.
func (e *Engine) Step(state *RedshiftState, z float64) (*StepOutput, *RedshiftState, error) {
	if z >= state.Redshift {
		return nil, nil, simerr.Config("redshift steps must strictly descend: %g does not follow %g", z, state.Redshift)
	}
	start := time.Now()

	opts := perturb.Options{SecondOrder: true, WantVelocity: e.p.Flags.SubcellRSD}
	pf, err := perturb.Evolve(e.ics, e.c, z, opts, e.tune)
	if err != nil {
		return nil, nil, err
	}

	next := &RedshiftState{
		Redshift:  z,
		StepIndex: state.StepIndex + 1,
		MMin:      e.c.TvirToMass(e.p.Astro.IonTvirMin(), z),
		Shells:    state.Shells,
	}

	var ts *field.Field
	if e.p.Flags.UseTsFluct {
		bg, err := radiation.Integrate(z, state.Shells, e.p, e.c, e.tune)
		if err != nil {
			return nil, nil, err
		}
		res, err := spintemp.Advance(state.Thermal, bg, pf.Density, z, e.c, e.tune)
		if err != nil {
			return nil, nil, err
		}
		next.Thermal = res.State
		ts = res.Ts

		em, err := radiation.StellarSources{C: e.c, P: e.p}.Emissivity(z, pf.Density)
		if err != nil {
			return nil, nil, err
		}
		next.Shells = append(append([]radiation.Shell(nil), state.Shells...), radiation.Shell{Z: z, Emissivity: em})
	} else {
		next.Thermal = state.Thermal
	}

	ion, err := ionize.Run(z, pf.Density, state.NRec, e.p, e.c, nil, e.tune)
	if err != nil {
		return nil, nil, err
	}
	next.MeanXHII = ion.MeanXHII

	if e.p.Flags.InhomoReco {
		next.NRec = state.NRec.Clone()
		if err := ionize.UpdateRecombinations(next.NRec, ion.XHII, pf.Density, state.Redshift, z, e.c, e.tune); err != nil {
			return nil, nil, err
		}
	}

	dtb, err := brightness.Compute(z, pf.Density, ion.XHII, ts, pf.Velocity, e.c)
	if err != nil {
		return nil, nil, err
	}

	out := &StepOutput{
		Redshift:   z,
		Density:    pf.Density,
		Velocity:   pf.Velocity,
		XHII:       ion.XHII,
		Ts:         ts,
		Brightness: dtb,
		MeanXHII:   ion.MeanXHII,
	}
	if e.logger != nil {
		e.logger.Printf("step %d z=%.3f mean_xhii=%.4f dtb_mean=%.3fmK elapsed=%s",
			next.StepIndex, z, ion.MeanXHII, dtb.Mean(), time.Since(start).Round(time.Millisecond))
	}
	return out, next, nil
}

// Run walks the schedule from the given state, invoking fn after every step.
// With spin-temperature fluctuations the history is path-dependent and the
// steps run strictly in order; without them each redshift is independent and
// the steps run concurrently, with fn still called in schedule order.
func (e *Engine) Run(state *RedshiftState, schedule []float64, fn StepFunc) ([]*StepOutput, error) {
	if len(schedule) == 0 {
		return nil, simerr.Config("empty redshift schedule")
	}
	for i := 1; i < len(schedule); i++ {
		if schedule[i] >= schedule[i-1] {
			return nil, simerr.Config("redshift schedule must strictly descend at index %d: %g after %g", i, schedule[i], schedule[i-1])
		}
	}
	if state == nil {
		var err error
		if state, err = e.InitialState(); err != nil {
			return nil, err
		}
	}

	if !e.p.Flags.UseTsFluct {
		return e.runIndependent(state, schedule, fn)
	}

	outs := make([]*StepOutput, 0, len(schedule))
	for _, z := range schedule {
		if z >= state.Redshift {
			// Resumed past this step already.
			continue
		}
		out, next, err := e.Step(state, z)
		if err != nil {
			return outs, err
		}
		state = next
		outs = append(outs, out)
		if fn != nil {
			if err := fn(out, next); err != nil {
				return outs, err
			}
		}
	}
	return outs, nil
}

// runIndependent computes history-free steps concurrently. Each step still
// descends from the initial state, so Step's ordering check is satisfied per
// step rather than across the schedule.
func (e *Engine) runIndependent(initial *RedshiftState, schedule []float64, fn StepFunc) ([]*StepOutput, error) {
	type result struct {
		out  *StepOutput
		next *RedshiftState
		err  error
	}
	// Resume skips the same steps the sequential path would.
	pending := schedule[:0:0]
	for _, z := range schedule {
		if z < initial.Redshift {
			pending = append(pending, z)
		}
	}
	schedule = pending
	results := make([]result, len(schedule))

	var wg sync.WaitGroup
	for i, z := range schedule {
		wg.Add(1)
		go func(i int, z float64) {
			defer wg.Done()
			out, next, err := e.Step(initial, z)
			results[i] = result{out, next, err}
		}(i, z)
	}
	wg.Wait()

	outs := make([]*StepOutput, 0, len(schedule))
	for _, r := range results {
		if r.err != nil {
			return outs, r.err
		}
		outs = append(outs, r.out)
		if fn != nil {
			if err := fn(r.out, r.next); err != nil {
				return outs, err
			}
		}
	}
	return outs, nil
}
