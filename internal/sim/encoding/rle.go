// Package encoding provides the compact wire form for field slabs streamed
// to progress observers: float32 samples quantized to uint16 levels over a
// stated range, then run-length encoded. Ionization and brightness slabs
// are dominated by long constant runs, so RLE wins big there.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// QuantLevels is the number of quantization steps per slab.
const QuantLevels = 1 << 16

// QuantizedSlab is one z-slab of a field, quantized for streaming. Min/Max
// state the value range the levels span; a degenerate range means a
// constant slab.
type QuantizedSlab struct {
	Min    float32 `json:"min"`
	Max    float32 `json:"max"`
	N      int     `json:"n"`
	Levels string  `json:"levels"` // base64(varint RLE pairs)
}

// Quantize maps samples onto uint16 levels across their own min/max range
// and RLE-encodes them.
func Quantize(samples []float32) QuantizedSlab {
	lo, hi := samples[0], samples[0]
	for _, v := range samples {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	levels := make([]uint16, len(samples))
	if hi > lo {
		scale := float64(QuantLevels-1) / float64(hi-lo)
		for i, v := range samples {
			levels[i] = uint16(math.Round(float64(v-lo) * scale))
		}
	}
	return QuantizedSlab{Min: lo, Max: hi, N: len(samples), Levels: EncodeRLE(levels)}
}

// Dequantize reconstructs the samples, lossy to the quantization step.
func (q QuantizedSlab) Dequantize() ([]float32, error) {
	levels, err := DecodeRLE(q.Levels, q.N)
	if err != nil {
		return nil, err
	}
	if len(levels) != q.N {
		return nil, fmt.Errorf("slab has %d levels, want %d", len(levels), q.N)
	}
	out := make([]float32, q.N)
	if q.Max > q.Min {
		step := float64(q.Max-q.Min) / float64(QuantLevels-1)
		for i, l := range levels {
			out[i] = q.Min + float32(float64(l)*step)
		}
	} else {
		for i := range out {
			out[i] = q.Min
		}
	}
	return out, nil
}

// EncodeRLE encodes a sequence of quantization levels into base64(varint
// pairs). The pairs are (level, run_len) repeated.
func EncodeRLE(levels []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(levels) {
		b := levels[i]
		run := 1
		for j := i + 1; j < len(levels) && levels[j] == b && run < 1<<31; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(b))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE expands base64(varint pairs) back into levels. maxLen bounds
// the decoded length; runs taking the output past it reject the payload
// before anything is allocated for them.
func DecodeRLE(b64 string, maxLen int) ([]uint16, error) {
	if maxLen < 0 {
		return nil, fmt.Errorf("negative length bound %d", maxLen)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, maxLen)
	for i := 0; i < len(raw); {
		b, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if b > 0xFFFF {
			return nil, fmt.Errorf("level too large: %d", b)
		}
		if run > uint64(maxLen-len(out)) {
			return nil, fmt.Errorf("run of %d overflows declared length %d", run, maxLen)
		}
		for k := 0; k < int(run); k++ {
			out = append(out, uint16(b))
		}
	}
	return out, nil
}
