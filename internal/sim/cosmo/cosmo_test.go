package cosmo

import (
	"math"
	"testing"

	"reionfast/internal/sim/params"
)

func planck(t *testing.T) *Cosmology {
	t.Helper()
	p, err := params.New(params.Params{})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	c, err := New(p.Cosmo)
	if err != nil {
		t.Fatalf("cosmology: %v", err)
	}
	return c
}

func TestSigma8Normalization(t *testing.T) {
	c := planck(t)
	r8 := sigma8Radius / c.Params().Hlittle
	got := c.SigmaR(r8)
	if math.Abs(got-c.Params().Sigma8) > 1e-6 {
		t.Fatalf("sigma(8/h Mpc) = %g, want %g", got, c.Params().Sigma8)
	}
}

func TestGrowthFactor(t *testing.T) {
	c := planck(t)
	if d := c.GrowthFactor(0); math.Abs(d-1) > 1e-12 {
		t.Fatalf("D(0) = %g", d)
	}
	// At high z the universe is matter dominated: D ~ 1/(1+z), enhanced
	// over the z=0 value by the suppressed late-time growth.
	d30 := c.GrowthFactor(30)
	ratio := d30 * 31
	if ratio < 1.0 || ratio > 1.6 {
		t.Fatalf("D(30)*(1+30) = %g, expected ~1.2-1.3", ratio)
	}
	// Strictly decreasing with z.
	prev := c.GrowthFactor(0)
	for _, z := range []float64{1, 5, 10, 20, 30} {
		d := c.GrowthFactor(z)
		if d >= prev {
			t.Fatalf("growth not decreasing at z=%g: %g >= %g", z, d, prev)
		}
		prev = d
	}
}

func TestSigmaMonotoneInMass(t *testing.T) {
	c := planck(t)
	prev := math.Inf(1)
	for _, m := range []float64{1e8, 1e10, 1e12, 1e14} {
		s := c.SigmaM(m)
		if s <= 0 || s >= prev {
			t.Fatalf("sigma(M=%g) = %g not decreasing (prev %g)", m, s, prev)
		}
		prev = s
	}
}

func TestMassRadiusRoundTrip(t *testing.T) {
	c := planck(t)
	m := 1e10
	got := c.RadiusToMass(c.MassToRadius(m))
	if math.Abs(got/m-1) > 1e-10 {
		t.Fatalf("mass-radius round trip: %g vs %g", got, m)
	}
}

func TestTvirToMassScale(t *testing.T) {
	c := planck(t)
	// ~1e4 K atomic-cooling halos at z=10 are ~1e8 Msun.
	m := c.TvirToMass(1e4, 10)
	if m < 1e7 || m > 1e9 {
		t.Fatalf("Tvir=1e4K z=10 mass = %g Msun, out of expected decade", m)
	}
	// Hotter halos are heavier.
	if c.TvirToMass(1e5, 10) <= m {
		t.Fatalf("TvirToMass not increasing with Tvir")
	}
}

func TestComovingDistance(t *testing.T) {
	c := planck(t)
	if d := c.ComovingDistance(10, 10); d != 0 {
		t.Fatalf("zero interval distance = %g", d)
	}
	d1 := c.ComovingDistance(10, 10.5)
	d2 := c.ComovingDistance(10, 11)
	if d1 <= 0 || d2 <= d1 {
		t.Fatalf("distances not increasing: %g, %g", d1, d2)
	}
	// dz=0.5 near z=10 is tens of comoving Mpc.
	if d1 < 10 || d1 > 200 {
		t.Fatalf("d(10,10.5) = %g Mpc, outside sanity window", d1)
	}
}

func TestAdiabaticTk(t *testing.T) {
	c := planck(t)
	if tk := c.AdiabaticTk(200); tk != c.TCMB(200) {
		t.Fatalf("above decoupling Tk must track TCMB")
	}
	tk30 := c.AdiabaticTk(30)
	if tk30 >= c.TCMB(30) {
		t.Fatalf("adiabatic gas should be colder than the CMB at z=30: Tk=%g Tcmb=%g", tk30, c.TCMB(30))
	}
	if tk30 <= 0 {
		t.Fatalf("Tk must be positive")
	}
}
