// Package params holds the immutable configuration structs threaded through
// every pipeline stage: box geometry, cosmology, astrophysical source
// parameters and feature flags. No stage reads ambient process state.
package params

import (
	"math"

	"reionfast/internal/simerr"
)

// Box is the immutable run geometry: comoving side length and the two grid
// resolutions. DIM samples the initial conditions; HII_DIM is the output
// resolution of every evolved field.
type Box struct {
	BoxLen float64 `yaml:"box_len_mpc" json:"box_len_mpc"`
	Dim    int     `yaml:"dim" json:"dim"`
	HIIDim int     `yaml:"hii_dim" json:"hii_dim"`
}

func (b *Box) applyDefaults() {
	if b.BoxLen <= 0 {
		b.BoxLen = 150.0
	}
	if b.HIIDim <= 0 {
		b.HIIDim = 100
	}
	if b.Dim <= 0 {
		b.Dim = 4 * b.HIIDim
	}
}

func (b Box) Validate() error {
	if b.Dim <= 0 {
		return simerr.Config("DIM must be positive, got %d", b.Dim)
	}
	if b.HIIDim <= 0 {
		return simerr.Config("HII_DIM must be positive, got %d", b.HIIDim)
	}
	if b.HIIDim > b.Dim {
		return simerr.Config("HII_DIM (%d) may not exceed DIM (%d)", b.HIIDim, b.Dim)
	}
	if b.Dim%b.HIIDim != 0 {
		return simerr.Config("DIM (%d) must be an integer multiple of HII_DIM (%d)", b.Dim, b.HIIDim)
	}
	if b.BoxLen <= 0 {
		return simerr.Config("box length must be positive, got %g Mpc", b.BoxLen)
	}
	return nil
}

// CellLen is the comoving side of one output (HII_DIM) cell in Mpc.
func (b Box) CellLen() float64 { return b.BoxLen / float64(b.HIIDim) }

// HiCellLen is the comoving side of one high-resolution cell in Mpc.
func (b Box) HiCellLen() float64 { return b.BoxLen / float64(b.Dim) }

func (b Box) TotPixels() int    { return b.Dim * b.Dim * b.Dim }
func (b Box) HIITotPixels() int { return b.HIIDim * b.HIIDim * b.HIIDim }

// CosmoParams are the cosmological constants of a run. OmegaL is derived,
// the model is flat.
type CosmoParams struct {
	Sigma8     float64 `yaml:"sigma_8" json:"sigma_8"`
	Hlittle    float64 `yaml:"hlittle" json:"hlittle"`
	OmegaM     float64 `yaml:"omega_m" json:"omega_m"`
	OmegaB     float64 `yaml:"omega_b" json:"omega_b"`
	PowerIndex float64 `yaml:"power_index" json:"power_index"`
}

func (c *CosmoParams) applyDefaults() {
	if c.Sigma8 <= 0 {
		c.Sigma8 = 0.82
	}
	if c.Hlittle <= 0 {
		c.Hlittle = 0.678
	}
	if c.OmegaM <= 0 {
		c.OmegaM = 0.308
	}
	if c.OmegaB <= 0 {
		c.OmegaB = 0.048
	}
	if c.PowerIndex <= 0 {
		c.PowerIndex = 0.97
	}
}

func (c CosmoParams) OmegaL() float64 { return 1 - c.OmegaM }

func (c CosmoParams) Validate() error {
	if c.OmegaM <= 0 || c.OmegaM >= 1 {
		return simerr.Config("omega_m must be in (0,1), got %g", c.OmegaM)
	}
	if c.OmegaB <= 0 || c.OmegaB >= c.OmegaM {
		return simerr.Config("omega_b must be in (0, omega_m), got %g", c.OmegaB)
	}
	if c.Hlittle <= 0.2 || c.Hlittle >= 1.5 {
		return simerr.Config("hlittle out of range: %g", c.Hlittle)
	}
	if c.Sigma8 <= 0 {
		return simerr.Config("sigma_8 must be positive, got %g", c.Sigma8)
	}
	if c.PowerIndex <= 0 || c.PowerIndex >= 2 {
		return simerr.Config("power_index out of range: %g", c.PowerIndex)
	}
	return nil
}

// AstroParams are the astrophysical source parameters. IonTvirMinLog10 and
// LXLog10 follow the log10 convention of the legacy parameter files.
type AstroParams struct {
	HIIEffFactor     float64 `yaml:"hii_eff_factor" json:"hii_eff_factor"`
	IonTvirMinLog10  float64 `yaml:"ion_tvir_min_log10" json:"ion_tvir_min_log10"`
	RBubbleMax       float64 `yaml:"r_bubble_max_mpc" json:"r_bubble_max_mpc"`
	LXLog10          float64 `yaml:"l_x_log10" json:"l_x_log10"`
	NuXThreshEV      float64 `yaml:"nu_x_thresh_ev" json:"nu_x_thresh_ev"`
	NuXBandMaxEV     float64 `yaml:"nu_x_band_max_ev" json:"nu_x_band_max_ev"`
	XRaySpecIndex    float64 `yaml:"x_ray_spec_index" json:"x_ray_spec_index"`
	FStar            float64 `yaml:"f_star" json:"f_star"`
	TStar            float64 `yaml:"t_star" json:"t_star"`
	ZHeatMax         float64 `yaml:"z_heat_max" json:"z_heat_max"`
	ZPrimeStepFactor float64 `yaml:"zprime_step_factor" json:"zprime_step_factor"`
}

func (a *AstroParams) applyDefaults(inhomoReco bool) {
	if a.HIIEffFactor <= 0 {
		a.HIIEffFactor = 30.0
	}
	if a.IonTvirMinLog10 <= 0 {
		a.IonTvirMinLog10 = 4.69897
	}
	if a.RBubbleMax <= 0 {
		// Recombination-limited runs let bubbles grow further before the
		// mean free path caps them.
		if inhomoReco {
			a.RBubbleMax = 50.0
		} else {
			a.RBubbleMax = 15.0
		}
	}
	if a.LXLog10 <= 0 {
		a.LXLog10 = 40.0
	}
	if a.NuXThreshEV <= 0 {
		a.NuXThreshEV = 500.0
	}
	if a.NuXBandMaxEV <= 0 {
		a.NuXBandMaxEV = 2000.0
	}
	if a.XRaySpecIndex == 0 {
		a.XRaySpecIndex = 1.0
	}
	if a.FStar <= 0 {
		a.FStar = 0.05
	}
	if a.TStar <= 0 {
		a.TStar = 0.5
	}
	if a.ZHeatMax <= 0 {
		a.ZHeatMax = 35.0
	}
	if a.ZPrimeStepFactor <= 1 {
		a.ZPrimeStepFactor = 1.02
	}
}

// IonTvirMin is the minimum virial temperature of ionizing halos in K.
func (a AstroParams) IonTvirMin() float64 { return math.Pow(10, a.IonTvirMinLog10) }

// LX is the integrated X-ray luminosity per unit star formation rate,
// erg/s per Msun/yr.
func (a AstroParams) LX() float64 { return math.Pow(10, a.LXLog10) }

func (a AstroParams) Validate() error {
	if a.HIIEffFactor <= 0 {
		return simerr.Config("hii_eff_factor must be positive, got %g", a.HIIEffFactor)
	}
	if a.IonTvirMinLog10 < 3 || a.IonTvirMinLog10 > 7 {
		return simerr.Config("ion_tvir_min_log10 out of range [3,7]: %g", a.IonTvirMinLog10)
	}
	if a.RBubbleMax <= 0 {
		return simerr.Config("r_bubble_max_mpc must be positive, got %g", a.RBubbleMax)
	}
	if a.NuXThreshEV <= 0 || a.NuXBandMaxEV <= a.NuXThreshEV {
		return simerr.Config("x-ray band invalid: thresh=%g eV band_max=%g eV", a.NuXThreshEV, a.NuXBandMaxEV)
	}
	if a.FStar <= 0 || a.FStar > 1 {
		return simerr.Config("f_star must be in (0,1], got %g", a.FStar)
	}
	if a.TStar <= 0 || a.TStar > 1 {
		return simerr.Config("t_star must be in (0,1], got %g", a.TStar)
	}
	if a.ZPrimeStepFactor <= 1 {
		return simerr.Config("zprime_step_factor must exceed 1, got %g", a.ZPrimeStepFactor)
	}
	return nil
}

// FlagOptions are the boolean feature toggles of a run.
type FlagOptions struct {
	UseTsFluct bool `yaml:"use_ts_fluct" json:"use_ts_fluct"`
	InhomoReco bool `yaml:"inhomo_reco" json:"inhomo_reco"`
	SubcellRSD bool `yaml:"subcell_rsd" json:"subcell_rsd"`
}

func (f FlagOptions) Validate() error {
	// The recombination counters feed off the thermal history; without the
	// spin-temperature pass there is no per-step dz to integrate them over.
	if f.InhomoReco && !f.UseTsFluct {
		return simerr.Config("inhomo_reco requires use_ts_fluct")
	}
	if f.SubcellRSD && !f.UseTsFluct {
		return simerr.Config("subcell_rsd requires use_ts_fluct")
	}
	return nil
}

// Params is the full validated parameter tuple plus the run seed. It is
// immutable once constructed; stages receive it by value.
type Params struct {
	Box   Box         `yaml:"box" json:"box"`
	Cosmo CosmoParams `yaml:"cosmo" json:"cosmo"`
	Astro AstroParams `yaml:"astro" json:"astro"`
	Flags FlagOptions `yaml:"flags" json:"flags"`
	Seed  int64       `yaml:"seed" json:"seed"`
}

// New fills defaults and validates. The zero value of every sub-struct is a
// usable Planck-like default configuration.
func New(p Params) (Params, error) {
	p.Box.applyDefaults()
	p.Cosmo.applyDefaults()
	p.Astro.applyDefaults(p.Flags.InhomoReco)
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (p Params) Validate() error {
	if err := p.Box.Validate(); err != nil {
		return err
	}
	if err := p.Cosmo.Validate(); err != nil {
		return err
	}
	if err := p.Astro.Validate(); err != nil {
		return err
	}
	return p.Flags.Validate()
}
