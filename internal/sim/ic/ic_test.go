package ic

import (
	"math"
	"testing"

	"reionfast/internal/sim/cosmo"
	"reionfast/internal/sim/params"
	"reionfast/internal/simerr"
)

func testParams(t *testing.T, seed int64) (params.Params, *cosmo.Cosmology) {
	t.Helper()
	p, err := params.New(params.Params{
		Box:  params.Box{BoxLen: 100, Dim: 32, HIIDim: 16},
		Seed: seed,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	c, err := cosmo.New(p.Cosmo)
	if err != nil {
		t.Fatalf("cosmology: %v", err)
	}
	return p, c
}

func TestGenerate_DeterministicForSeed(t *testing.T) {
	p, c := testParams(t, 42)

	a, err := Generate(p, c)
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := Generate(p, c)
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.HiResDensity.Digest() != b.HiResDensity.Digest() {
		t.Fatalf("same seed must give identical hi-res density")
	}
	if a.LowResVz.Digest() != b.LowResVz.Digest() {
		t.Fatalf("same seed must give identical velocity box")
	}

	p2 := p
	p2.Seed = 43
	d, err := Generate(p2, c)
	if err != nil {
		t.Fatalf("generate d: %v", err)
	}
	if a.HiResDensity.Digest() == d.HiResDensity.Digest() {
		t.Fatalf("different seed must change the field")
	}
}

func TestGenerate_ZeroMeanAndFiniteVariance(t *testing.T) {
	p, c := testParams(t, 7)
	ics, err := Generate(p, c)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if m := ics.HiResDensity.Mean(); math.Abs(m) > 1e-5 {
		t.Fatalf("density mean = %g, want ~0 (k=0 mode is zeroed)", m)
	}
	rms := ics.HiResDensity.RMS()
	if rms <= 0 || math.IsNaN(rms) || math.IsInf(rms, 0) {
		t.Fatalf("density rms = %g", rms)
	}

	if m := ics.LowResDensity.Mean(); math.Abs(m) > 1e-5 {
		t.Fatalf("low-res density mean = %g", m)
	}
	if ics.LowResDensity.N != p.Box.HIIDim {
		t.Fatalf("low-res resolution %d, want %d", ics.LowResDensity.N, p.Box.HIIDim)
	}
	// Block averaging can only remove small-scale power.
	if ics.LowResDensity.RMS() >= rms {
		t.Fatalf("low-res rms %g >= hi-res rms %g", ics.LowResDensity.RMS(), rms)
	}
}

func TestGenerate_DisplacementsMuchSmallerThanBox(t *testing.T) {
	p, c := testParams(t, 11)
	ics, err := Generate(p, c)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, v := range ics.LowResVz.Data {
		if math.Abs(float64(v)) > p.Box.BoxLen/4 {
			t.Fatalf("unit-growth displacement %g Mpc is a sizable fraction of the box", v)
		}
	}
	// The 2LPT term is a correction of comparable or smaller magnitude.
	r2 := ics.LowResVz2LPT.RMS()
	if r2 <= 0 || math.IsNaN(r2) {
		t.Fatalf("2LPT rms = %g", r2)
	}
	if r2 >= 2*ics.LowResVz.RMS() {
		t.Fatalf("2LPT rms %g dwarfs first-order rms %g", r2, ics.LowResVz.RMS())
	}
}

func TestGenerate_InvalidBoxFailsFast(t *testing.T) {
	p, c := testParams(t, 1)
	p.Box.Dim = 0
	if _, err := Generate(p, c); !simerr.IsConfiguration(err) {
		t.Fatalf("DIM=0 must be E_CONFIG before allocation, got %v", err)
	}
}
