package quantize

import (
	"fmt"
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Dequantize maps every value of res back to float32 using its tile's scale.
func Dequantize(res *Result) []float32 {
	out := make([]float32, len(res.Data))
	if !res.Tiled() {
		inv := 1 / res.Scale()
		for i, q := range res.Data {
			out[i] = float32(q) * inv
		}
		return out
	}
	_, c, _, _ := res.Desc.Dims()
	for i, q := range res.Data {
		out[i] = float32(q) / res.Scales[TileIndex(c, i)]
	}
	return out
}

// Reference recomputes the scales Quantize should produce, in float64.
// prior is ignored when it is not positive.
func Reference(desc tensor.Desc, src []float16.Float16, prior float64) ([]float64, error) {
	if len(src) != desc.NumElements() {
		return nil, fmt.Errorf("%w: got %d elements for %s", ErrShapeMismatch, len(src), desc)
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrShapeMismatch)
	}
	x := toFloat64(src)

	tiled := desc.Layout() == tensor.BlockTransformed && desc.Rank() == 4
	if !tiled {
		hi, lo := floats.Max(x), floats.Min(x)
		if hi == 0 && lo == 0 {
			return []float64{1}, nil
		}
		return []float64{math.Max(referenceScale(hi, lo), prior)}, nil
	}

	_, c, _, _ := desc.Dims()
	tiles := gatherTiles(x, c)
	scales := make([]float64, TileCount)
	for idx, tile := range tiles {
		hi, lo := floats.Max(tile), floats.Min(tile)
		if hi == 0 && lo == 0 {
			return nil, fmt.Errorf("%w: tile %d is all zero", ErrUnsupported, idx)
		}
		scales[idx] = referenceScale(hi, lo)
	}
	return scales, nil
}

func referenceScale(hi, lo float64) float64 {
	switch {
	case hi > 0 && lo < 0:
		return math.Min(simd.QMax/hi, -simd.QMax/lo)
	case hi <= 0:
		return -simd.QMax / lo
	default:
		return simd.QMax / hi
	}
}

// Report summarizes how closely a quantized tensor reproduces its source.
type Report struct {
	// MaxAbsError is the largest |dequantized - source| over unsaturated elements.
	MaxAbsError float64
	// MaxScaleDrift is the largest relative difference against the reference scales.
	MaxScaleDrift float64
	// Saturated counts elements clamped to ±127 beyond their rounding bound.
	Saturated int
	// Violations counts unsaturated elements outside 1/(2*scale).
	Violations int
}

// OK reports whether every unsaturated element is within its rounding bound
// and the scales agree with the reference to fp32 precision.
func (r Report) OK() bool {
	return r.Violations == 0 && r.MaxScaleDrift < 1e-5
}

// roundingSlack absorbs the fp32 product error near rounding ties.
const roundingSlack = 1e-3

// Compare checks res against src at full precision. prior must be the value
// passed to Quantize, or 0.
func Compare(res *Result, src []float16.Float16, prior float64) (Report, error) {
	var rep Report
	if len(src) != len(res.Data) {
		return rep, fmt.Errorf("%w: %d source elements, %d quantized", ErrShapeMismatch, len(src), len(res.Data))
	}

	srcDesc := res.Desc.WithDataType(tensor.Float16)
	ref, err := Reference(srcDesc, src, prior)
	if err != nil {
		return rep, err
	}
	if len(ref) != len(res.Scales) {
		return rep, fmt.Errorf("reference produced %d scales, result has %d", len(ref), len(res.Scales))
	}
	for i, s := range ref {
		drift := math.Abs(float64(res.Scales[i])-s) / s
		rep.MaxScaleDrift = math.Max(rep.MaxScaleDrift, drift)
	}

	x := toFloat64(src)
	deq := make([]float64, len(x))
	for i, v := range Dequantize(res) {
		deq[i] = float64(v)
	}

	_, c, _, _ := res.Desc.Dims()
	diff := make([]float64, len(x))
	floats.SubTo(diff, deq, x)
	for i, d := range diff {
		scale := float64(res.Scales[0])
		if res.Tiled() {
			scale = float64(res.Scales[TileIndex(c, i)])
		}
		d = math.Abs(d)
		if math.Abs(x[i]*scale) > simd.QMax+0.5 {
			rep.Saturated++
			diff[i] = 0
			continue
		}
		if d > (0.5+roundingSlack)/scale {
			rep.Violations++
		}
	}
	rep.MaxAbsError = floats.Norm(diff, math.Inf(1))
	return rep, nil
}

func toFloat64(src []float16.Float16) []float64 {
	x := make([]float64, len(src))
	for i, h := range src {
		x[i] = float64(h.Float32())
	}
	return x
}

// gatherTiles copies the strided runs of each transform position into
// contiguous slices.
func gatherTiles(x []float64, c int) [][]float64 {
	run := simd.Lanes * c
	block := TileCount * run
	tiles := make([][]float64, TileCount)
	for base := 0; base+block <= len(x); base += block {
		for idx := range tiles {
			off := base + idx*run
			tiles[idx] = append(tiles[idx], x[off:off+run]...)
		}
	}
	return tiles
}
