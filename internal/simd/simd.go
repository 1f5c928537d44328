package simd

import (
	"math"

	"github.com/x448/float16"
)

// Lanes is the width of one fp16 vector register (128 bits).
const Lanes = 8

// QMax is the symmetric int8 bound. -128 is never produced.
const QMax = 127

// Bounds tracks the running maximum and minimum over one or more runs.
type Bounds struct {
	Max float32
	Min float32
	ok  bool
}

// Empty reports whether no element has been observed yet.
func (b *Bounds) Empty() bool {
	return !b.ok
}

// Extend folds src into the running extremes.
// Full lanes are reduced lane-wise first, the remainder one element at a time.
func (b *Bounds) Extend(src []float16.Float16) {
	i := 0
	if len(src) >= Lanes {
		var hi, lo [Lanes]float32
		for j := 0; j < Lanes; j++ {
			v := src[j].Float32()
			hi[j], lo[j] = v, v
		}
		for i = Lanes; i+Lanes <= len(src); i += Lanes {
			lane := src[i : i+Lanes : i+Lanes]
			for j, h := range lane {
				v := h.Float32()
				if v > hi[j] {
					hi[j] = v
				}
				if v < lo[j] {
					lo[j] = v
				}
			}
		}
		// Horizontal reduction across lanes
		for j := 0; j < Lanes; j++ {
			b.observe(hi[j])
			b.observe(lo[j])
		}
	}
	// Handle remainder
	for ; i < len(src); i++ {
		b.observe(src[i].Float32())
	}
}

func (b *Bounds) observe(v float32) {
	if !b.ok {
		b.Max, b.Min, b.ok = v, v, true
		return
	}
	if v > b.Max {
		b.Max = v
	}
	if v < b.Min {
		b.Min = v
	}
}

// MinMax returns the maximum and minimum of src. An empty src yields (0, 0).
func MinMax(src []float16.Float16) (max, min float32) {
	var b Bounds
	b.Extend(src)
	return b.Max, b.Min
}

// RoundTowardZero rounds v to the nearest integer, resolving ties toward zero.
// It is not truncation: 31.75 gives 32, while 63.5 gives 63 and -63.5 gives -63.
// With clamp set the result saturates to [-127, 127]; without it the caller
// guarantees |v| stays within range.
func RoundTowardZero(v float32, clamp bool) int8 {
	if clamp {
		if v > QMax {
			return QMax
		}
		if v < -QMax {
			return -QMax
		}
	}
	r := float32(math.Trunc(float64(v)))
	if d := v - r; d > 0.5 {
		r++
	} else if d < -0.5 {
		r--
	}
	return int8(int32(r))
}

// ScaleRound writes RoundTowardZero(src[i] * scale) into dst[i] for every element of src.
// dst must be at least as long as src.
func ScaleRound(dst []int8, src []float16.Float16, scale float32, clamp bool) {
	dst = dst[:len(src)]
	i := 0
	for ; i+Lanes <= len(src); i += Lanes {
		in := src[i : i+Lanes : i+Lanes]
		out := dst[i : i+Lanes : i+Lanes]
		for j, h := range in {
			out[j] = RoundTowardZero(h.Float32()*scale, clamp)
		}
	}
	for ; i < len(src); i++ {
		dst[i] = RoundTowardZero(src[i].Float32()*scale, clamp)
	}
}
