// Package tuning loads the numeric tolerances and refinement limits of the
// engine. These are physical-model knobs, not per-run science parameters:
// they default sensibly and rarely need a file at all.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// Relative tolerance on mean(1+delta) after re-binning.
	MassConservationTol float64 `yaml:"mass_conservation_tol"`

	// How negative a pre-clamp collapsed fraction may go before the step
	// is declared unstable rather than clamped.
	FcollNegativeTol float64 `yaml:"fcoll_negative_tol"`

	// Ratio between consecutive excursion-set smoothing radii (>1).
	FilterStepFactor float64 `yaml:"filter_step_factor"`

	// Thermal evolver sub-stepping: starting sub-step count, relative
	// per-substep change ceiling, and how many doublings to attempt
	// before promoting to a numerical-instability error.
	SubstepsInitial       int     `yaml:"substeps_initial"`
	SubstepRelChange      float64 `yaml:"substep_rel_change"`
	SubstepMaxRefinements int     `yaml:"substep_max_refinements"`

	// Cap on any single grid allocation.
	AllocBudgetGiB int `yaml:"alloc_budget_gib"`

	// Sub-grid clumping factor for the recombination counters.
	ClumpingFactor float64 `yaml:"clumping_factor"`

	// Cap on retained light-cone shells in the radiation integrator.
	MaxShells int `yaml:"max_shells"`
}

func (t *Tuning) ApplyDefaults() {
	if t.MassConservationTol <= 0 {
		t.MassConservationTol = 1e-3
	}
	if t.FcollNegativeTol <= 0 {
		t.FcollNegativeTol = 1e-6
	}
	if t.FilterStepFactor <= 1 {
		t.FilterStepFactor = 1.1
	}
	if t.SubstepsInitial <= 0 {
		t.SubstepsInitial = 4
	}
	if t.SubstepRelChange <= 0 {
		t.SubstepRelChange = 0.1
	}
	if t.SubstepMaxRefinements <= 0 {
		t.SubstepMaxRefinements = 8
	}
	if t.AllocBudgetGiB <= 0 {
		t.AllocBudgetGiB = 32
	}
	if t.ClumpingFactor <= 0 {
		t.ClumpingFactor = 2.0
	}
	if t.MaxShells <= 0 {
		t.MaxShells = 64
	}
}

// Default returns the built-in tuning.
func Default() Tuning {
	var t Tuning
	t.ApplyDefaults()
	return t
}

// Load reads tuning from a YAML file; unset fields take defaults.
func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.ApplyDefaults()
	return t, nil
}
