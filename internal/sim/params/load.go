package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"reionfast/internal/simerr"
)

// Schedule is either an explicit descending redshift list or a geometric
// max/min/step-factor specification ((1+z) shrinks by the factor per step).
type Schedule struct {
	Redshifts  []float64 `yaml:"redshifts,omitempty" json:"redshifts,omitempty"`
	ZMax       float64   `yaml:"z_max,omitempty" json:"z_max,omitempty"`
	ZMin       float64   `yaml:"z_min,omitempty" json:"z_min,omitempty"`
	StepFactor float64   `yaml:"step_factor,omitempty" json:"step_factor,omitempty"`
}

// Resolve expands the schedule into a strictly decreasing redshift list.
func (s Schedule) Resolve() ([]float64, error) {
	if len(s.Redshifts) > 0 {
		zs := make([]float64, len(s.Redshifts))
		copy(zs, s.Redshifts)
		for i, z := range zs {
			if z < 0 {
				return nil, simerr.Config("schedule redshift %g is negative", z)
			}
			if i > 0 && z >= zs[i-1] {
				return nil, simerr.Config("schedule must be strictly decreasing: z[%d]=%g >= z[%d]=%g", i, z, i-1, zs[i-1])
			}
		}
		return zs, nil
	}

	if s.ZMax <= s.ZMin || s.ZMin < 0 {
		return nil, simerr.Config("schedule range invalid: z_max=%g z_min=%g", s.ZMax, s.ZMin)
	}
	factor := s.StepFactor
	if factor <= 1 {
		factor = 1.02
	}
	var zs []float64
	for z := s.ZMax; z >= s.ZMin; z = (1+z)/factor - 1 {
		zs = append(zs, z)
	}
	if len(zs) == 0 {
		return nil, simerr.Config("schedule resolves to no steps")
	}
	return zs, nil
}

// RunConfig is the on-disk YAML run description consumed by cmd/reionfast.
type RunConfig struct {
	Params   `yaml:",inline"`
	Schedule Schedule `yaml:"schedule" json:"schedule"`
}

// LoadRunConfig reads, defaults and validates a run config file.
func LoadRunConfig(path string) (RunConfig, error) {
	var rc RunConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return rc, err
	}
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return rc, fmt.Errorf("run config: %w", err)
	}
	p, err := New(rc.Params)
	if err != nil {
		return rc, err
	}
	rc.Params = p
	if _, err := rc.Schedule.Resolve(); err != nil {
		return rc, err
	}
	return rc, nil
}
