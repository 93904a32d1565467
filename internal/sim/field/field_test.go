package field

import (
	"math"
	"math/rand"
	"testing"

	"reionfast/internal/simerr"
)

func TestNew_BudgetAndValidation(t *testing.T) {
	if _, err := New(0, 100, DensityContrast); !simerr.IsConfiguration(err) {
		t.Fatalf("n=0 must be E_CONFIG, got %v", err)
	}

	old := allocBudgetBytes.Load()
	SetAllocBudget(1 << 20)
	defer SetAllocBudget(old)

	if _, err := New(512, 100, DensityContrast); !simerr.IsResource(err) {
		t.Fatalf("over-budget grid must be E_RESOURCE, got %v", err)
	}
	if _, err := New(16, 100, DensityContrast); err != nil {
		t.Fatalf("small grid within budget: %v", err)
	}
}

func TestDigest_TracksContent(t *testing.T) {
	a, _ := New(8, 100, DensityContrast)
	b, _ := New(8, 100, DensityContrast)
	if a.Digest() != b.Digest() {
		t.Fatalf("identical fields must share a digest")
	}
	b.Set(3, 4, 5, 1.5)
	if a.Digest() == b.Digest() {
		t.Fatalf("digest must change with content")
	}
	c := b.Clone()
	if c.Digest() != b.Digest() {
		t.Fatalf("clone digest mismatch")
	}
}

func TestDownsample_PreservesMean(t *testing.T) {
	f, _ := New(16, 100, DensityContrast)
	rng := rand.New(rand.NewSource(7))
	for i := range f.Data {
		f.Data[i] = float32(rng.NormFloat64())
	}
	lo, err := f.Downsample(4)
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
	if math.Abs(lo.Mean()-f.Mean()) > 1e-6 {
		t.Fatalf("block averaging must preserve the mean: %g vs %g", lo.Mean(), f.Mean())
	}
	if _, err := f.Downsample(5); !simerr.IsConfiguration(err) {
		t.Fatalf("non-divisor target must be E_CONFIG, got %v", err)
	}
}

func TestFFT3_RoundTrip(t *testing.T) {
	const n = 8
	fft := NewFFT3(n)
	data := make([]complex128, n*n*n)
	want := make([]complex128, len(data))
	rng := rand.New(rand.NewSource(1))
	for i := range data {
		data[i] = complex(rng.NormFloat64(), 0)
		want[i] = data[i]
	}
	fft.Forward(data)
	fft.Inverse(data)
	for i := range data {
		if math.Abs(real(data[i])-real(want[i])) > 1e-9 || math.Abs(imag(data[i])) > 1e-9 {
			t.Fatalf("round trip diverged at %d: %v vs %v", i, data[i], want[i])
		}
	}
}

func TestFFT3_ForwardDCTerm(t *testing.T) {
	const n = 4
	fft := NewFFT3(n)
	data := make([]complex128, n*n*n)
	for i := range data {
		data[i] = complex(2.0, 0)
	}
	fft.Forward(data)
	// DC term holds the sum; every other mode vanishes.
	if math.Abs(real(data[0])-2*float64(n*n*n)) > 1e-9 {
		t.Fatalf("DC term = %v", data[0])
	}
	for i := 1; i < len(data); i++ {
		if math.Abs(real(data[i]))+math.Abs(imag(data[i])) > 1e-9 {
			t.Fatalf("nonzero mode %d: %v", i, data[i])
		}
	}
}

func TestWaveNumber_Signs(t *testing.T) {
	const n = 8
	if k := WaveNumber(0, n, 100); k != 0 {
		t.Fatalf("k(0) = %g", k)
	}
	if k := WaveNumber(1, n, 100); k <= 0 {
		t.Fatalf("k(1) = %g", k)
	}
	if k := WaveNumber(n-1, n, 100); k >= 0 {
		t.Fatalf("k(n-1) should be negative, got %g", k)
	}
	if k := WaveNumber(n/2, n, 100); k <= 0 {
		t.Fatalf("Nyquist should be positive by convention, got %g", k)
	}
}

func TestSmoother_PreservesMeanAndFlattens(t *testing.T) {
	const n = 16
	f, _ := New(n, 100, DensityContrast)
	rng := rand.New(rand.NewSource(3))
	for i := range f.Data {
		f.Data[i] = float32(rng.NormFloat64())
	}
	mean := f.Mean()

	s := NewSmoother(f)
	dst := make([]float32, n*n*n)

	s.AtRadius(20, dst)
	var sum, sq float64
	for _, v := range dst {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	smMean := sum / float64(len(dst))
	if math.Abs(smMean-mean) > 1e-6 {
		t.Fatalf("smoothing must preserve the mean: %g vs %g", smMean, mean)
	}
	smRMS := math.Sqrt(sq / float64(len(dst)))
	if smRMS >= f.RMS() {
		t.Fatalf("smoothing must reduce fluctuation power: %g >= %g", smRMS, f.RMS())
	}

	// At or below the cell scale the field comes back unchanged.
	s.AtRadius(0, dst)
	for i, v := range dst {
		if math.Abs(float64(v)-float64(f.Data[i])) > 1e-5 {
			t.Fatalf("cell-scale smoothing altered cell %d: %g vs %g", i, v, f.Data[i])
		}
	}
}
