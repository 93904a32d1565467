// Package field provides the dense 3D grid container shared by all pipeline
// stages, its Fourier transforms and the multi-scale smoothing filter.
//
// A Field is owned by exactly one stage at a time: stages read-share it
// across workers, publish it downstream, and never mutate it afterwards.
package field

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync/atomic"

	"reionfast/internal/simerr"
)

// Quantity tags a Field with its physical meaning and units.
type Quantity string

const (
	DensityContrast Quantity = "density_contrast"   // dimensionless delta
	Velocity        Quantity = "velocity_mpc_s"     // comoving Mpc/s, line of sight
	IonizedFraction Quantity = "ionized_fraction"   // x_HII in [0,1]
	KineticTemp     Quantity = "kinetic_temp_k"     // T_k, K
	SpinTemp        Quantity = "spin_temp_k"        // T_s, K
	BrightnessTemp  Quantity = "brightness_temp_mk" // delta T_b, mK
	HeatingRate     Quantity = "heating_rate"       // erg/s per baryon
	IonizingFlux    Quantity = "ionizing_flux"      // ionizations/s per baryon
	LymanAlphaFlux  Quantity = "lyman_alpha_flux"   // J_alpha, cgs
)

// Default allocation budget. A run at DIM=512 holds a handful of hi-res
// grids; beyond the budget the engine refuses up front rather than letting
// the OS kill it mid-step.
var allocBudgetBytes atomic.Int64

func init() { allocBudgetBytes.Store(32 << 30) }

// SetAllocBudget caps the size of any single grid allocation, in bytes.
func SetAllocBudget(bytes int64) {
	if bytes > 0 {
		allocBudgetBytes.Store(bytes)
	}
}

// AllocBudget reports the current per-allocation budget in bytes. Stages
// that allocate scratch buffers outside New size them against it.
func AllocBudget() int64 { return allocBudgetBytes.Load() }

// Field is a dense N^3 grid of float32 samples of one physical quantity,
// tagged with its resolution and comoving box size. Index order is x
// fastest, then y, then z.
type Field struct {
	N        int
	BoxLen   float64
	Quantity Quantity
	Data     []float32
}

// New allocates an N^3 field, enforcing the allocation budget.
func New(n int, boxLen float64, q Quantity) (*Field, error) {
	if n <= 0 {
		return nil, simerr.Config("field resolution must be positive, got %d", n)
	}
	if boxLen <= 0 {
		return nil, simerr.Config("field box length must be positive, got %g", boxLen)
	}
	bytes := int64(n) * int64(n) * int64(n) * 4
	if budget := allocBudgetBytes.Load(); bytes > budget {
		return nil, simerr.Resource("field", "grid %d^3 (%s) needs %d bytes, budget %d", n, q, bytes, budget)
	}
	return &Field{
		N:        n,
		BoxLen:   boxLen,
		Quantity: q,
		Data:     make([]float32, n*n*n),
	}, nil
}

func (f *Field) Idx(x, y, z int) int { return x + f.N*(y+f.N*z) }

func (f *Field) At(x, y, z int) float32     { return f.Data[f.Idx(x, y, z)] }
func (f *Field) Set(x, y, z int, v float32) { f.Data[f.Idx(x, y, z)] = v }

// CellLen is the comoving side of one cell, Mpc.
func (f *Field) CellLen() float64 { return f.BoxLen / float64(f.N) }

// Mean accumulates in float64; grids are large enough for float32
// accumulation to drift.
func (f *Field) Mean() float64 {
	sum := 0.0
	for _, v := range f.Data {
		sum += float64(v)
	}
	return sum / float64(len(f.Data))
}

// RMS is the root mean square of the samples.
func (f *Field) RMS() float64 {
	sum := 0.0
	for _, v := range f.Data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(f.Data)))
}

// Clone deep-copies the field.
func (f *Field) Clone() *Field {
	out := &Field{N: f.N, BoxLen: f.BoxLen, Quantity: f.Quantity, Data: make([]float32, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// Digest hashes the raw samples deterministically; used by determinism
// tests and the checkpoint index.
func (f *Field) Digest() string {
	h := sha256.New()
	var tmp [4]byte
	for _, v := range f.Data {
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		h.Write(tmp[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Downsample block-averages onto nLow cells per side. nLow must divide N.
func (f *Field) Downsample(nLow int) (*Field, error) {
	if nLow <= 0 || f.N%nLow != 0 {
		return nil, simerr.Config("downsample %d -> %d: target must divide source", f.N, nLow)
	}
	out, err := New(nLow, f.BoxLen, f.Quantity)
	if err != nil {
		return nil, err
	}
	ratio := f.N / nLow
	norm := 1.0 / float64(ratio*ratio*ratio)
	ForEachSlab(nLow, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < nLow; y++ {
				for x := 0; x < nLow; x++ {
					sum := 0.0
					for dz := 0; dz < ratio; dz++ {
						for dy := 0; dy < ratio; dy++ {
							for dx := 0; dx < ratio; dx++ {
								sum += float64(f.At(x*ratio+dx, y*ratio+dy, z*ratio+dz))
							}
						}
					}
					out.Set(x, y, z, float32(sum*norm))
				}
			}
		}
	})
	return out, nil
}

// ToComplex copies the samples into a complex buffer for spectral work.
func (f *Field) ToComplex(dst []complex128) []complex128 {
	if dst == nil {
		dst = make([]complex128, len(f.Data))
	}
	for i, v := range f.Data {
		dst[i] = complex(float64(v), 0)
	}
	return dst
}

// FromComplex writes the real parts of src back into the field.
func (f *Field) FromComplex(src []complex128) {
	for i := range f.Data {
		f.Data[i] = float32(real(src[i]))
	}
}
