package field

// Spectral kernels used by the Lagrangian displacement machinery: given a
// k-space density contrast, derive gradients of the inverse-Laplacian
// potential and its second derivatives.

// ApplyKernel multiplies src (a k-space buffer) by kern(kx,ky,kz), inverse
// transforms, and returns the real part. src is not modified. kern must
// return 0 for the k=0 mode if the kernel is singular there.
func ApplyKernel(fft *FFT3, src []complex128, boxLen float64, kern func(kx, ky, kz float64) complex128) []float32 {
	n := fft.Len()
	buf := make([]complex128, len(src))
	ForEachSlab(n, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			kz := WaveNumber(z, n, boxLen)
			for y := 0; y < n; y++ {
				ky := WaveNumber(y, n, boxLen)
				row := (z*n + y) * n
				for x := 0; x < n; x++ {
					kx := WaveNumber(x, n, boxLen)
					buf[row+x] = src[row+x] * kern(kx, ky, kz)
				}
			}
		}
	})
	fft.Inverse(buf)

	out := make([]float32, len(buf))
	ForEachRange(len(buf), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i] = float32(real(buf[i]))
		}
	})
	return out
}

// PoissonGradient returns the axis component of the gradient of the
// inverse-Laplacian of the source: IFFT(i*k_axis/k^2 * src). For a density
// contrast source this is the first-order Lagrangian displacement.
func PoissonGradient(fft *FFT3, src []complex128, boxLen float64, axis int) []float32 {
	return ApplyKernel(fft, src, boxLen, func(kx, ky, kz float64) complex128 {
		k2 := kx*kx + ky*ky + kz*kz
		if k2 == 0 {
			return 0
		}
		var ka float64
		switch axis {
		case 0:
			ka = kx
		case 1:
			ka = ky
		default:
			ka = kz
		}
		return complex(0, ka/k2)
	})
}

// TidalComponent returns the (i,j) second derivative of the
// inverse-Laplacian potential: IFFT(-k_i*k_j/k^2 * src).
func TidalComponent(fft *FFT3, src []complex128, boxLen float64, i, j int) []float32 {
	return ApplyKernel(fft, src, boxLen, func(kx, ky, kz float64) complex128 {
		k2 := kx*kx + ky*ky + kz*kz
		if k2 == 0 {
			return 0
		}
		k := [3]float64{kx, ky, kz}
		return complex(-k[i]*k[j]/k2, 0)
	})
}
