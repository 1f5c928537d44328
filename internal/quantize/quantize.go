// Package quantize converts fp16 tensors into symmetric int8 tensors with a
// per-tensor scale, or 36 per-tile scales for winograd-transformed filters.
//
// A quantized value q relates to its source x by q = round(x * scale), with
// q in [-127, 127]. Dequantize with x ≈ q / scale.
package quantize

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/simd"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// TileCount is the number of transform positions in the block-transformed layout.
const TileCount = 36

// MinElements is the smallest tensor Quantize accepts without panicking.
const MinElements = simd.Lanes

// Result is a quantized tensor. Ownership passes to the caller.
type Result struct {
	// Desc has the source shape and layout with an Int8 element type.
	Desc tensor.Desc
	Data []int8
	// Scales holds one scale for the generic path, TileCount for the tiled path.
	Scales []float32
	// Clamped is set when a larger prior scale was reused and values were saturated.
	Clamped bool
	// Zero marks an all-zero generic tensor. Its scale of 1 is a placeholder,
	// not a calibrated scale.
	Zero bool
}

// Scale returns the first (for the generic path, only) scale.
func (r *Result) Scale() float32 {
	return r.Scales[0]
}

// Tiled reports whether the result carries per-tile scales.
func (r *Result) Tiled() bool {
	return r.Desc.Layout() == tensor.BlockTransformed && len(r.Scales) == TileCount
}

type options struct {
	prior    float32
	hasPrior bool
	workers  int
}

// Option configures a single Quantize call.
type Option func(*options)

// WithPriorScale supplies the scale of an earlier calibration pass. The
// generic path never returns a smaller scale than prior. The tiled path
// ignores it, and so does every path when prior is not finite and positive.
func WithPriorScale(prior float32) Option {
	return func(o *options) {
		if ValidScale(prior) {
			o.prior = prior
			o.hasPrior = true
		}
	}
}

// WithWorkers bounds how many tiles are quantized concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Quantize converts src, described by desc, into int8 values and scales.
//
// Errors wrap ErrNullPointer, ErrShapeMismatch or ErrUnsupported. A generic
// tensor with fewer than 8 elements is a caller bug and panics.
func Quantize(desc tensor.Desc, src []float16.Float16, opts ...Option) (*Result, error) {
	o := options{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := quantize(desc, src, o)
	if err != nil {
		quantizeErrors.WithLabelValues(errorReason(err)).Inc()
		return nil, err
	}
	return res, nil
}

// ValidScale reports whether s is a usable scale: finite and positive.
func ValidScale(s float32) bool {
	return s > 0 && !math.IsInf(float64(s), 1)
}

// CheckSize reports the tensors Quantize would reject with a panic, so that
// callers handling untrusted shapes can turn them into errors instead.
func CheckSize(desc tensor.Desc) error {
	if desc.NumElements() < MinElements {
		return fmt.Errorf("%w: %s has fewer than %d elements", ErrShapeMismatch, desc, MinElements)
	}
	return nil
}

func quantize(desc tensor.Desc, src []float16.Float16, o options) (*Result, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source", ErrNullPointer)
	}
	if len(src) != desc.NumElements() {
		return nil, fmt.Errorf("%w: got %d elements for %s", ErrShapeMismatch, len(src), desc)
	}

	s, err := dispatch(desc, o)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	dst := make([]int8, len(src))
	out, err := s.quantize(src, dst)
	if err != nil {
		return nil, err
	}

	path := s.name()
	quantizeDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	quantizeCalls.WithLabelValues(path).Inc()
	quantizeElements.WithLabelValues(path).Add(float64(len(src)))
	if out.clamped {
		clampedTensors.Inc()
	}

	return &Result{
		Desc:    desc.WithDataType(tensor.Int8),
		Data:    dst,
		Scales:  out.scales,
		Clamped: out.clamped,
		Zero:    out.zero,
	}, nil
}

type outcome struct {
	scales  []float32
	clamped bool
	zero    bool
}

// strategy is implemented only by globalQuantizer and tiledQuantizer.
type strategy interface {
	name() string
	quantize(src []float16.Float16, dst []int8) (outcome, error)
}

var (
	_ strategy = globalQuantizer{}
	_ strategy = tiledQuantizer{}
)

func dispatch(desc tensor.Desc, o options) (strategy, error) {
	switch desc.DataType() {
	case tensor.Float16:
	default:
		return nil, fmt.Errorf("%w: data type %s", ErrUnsupported, desc.DataType())
	}

	switch desc.Layout() {
	case tensor.Dense:
		return globalQuantizer{prior: o.prior, hasPrior: o.hasPrior}, nil
	case tensor.BlockTransformed:
		if desc.Rank() < 4 {
			return globalQuantizer{prior: o.prior, hasPrior: o.hasPrior}, nil
		}
		n, c, h, w := desc.Dims()
		if h*w != TileCount || n%simd.Lanes != 0 {
			return nil, fmt.Errorf("%w: %s needs h*w == %d and n divisible by %d", ErrUnsupported, desc, TileCount, simd.Lanes)
		}
		return tiledQuantizer{groups: n / simd.Lanes, inner: c, workers: o.workers}, nil
	}
	return nil, fmt.Errorf("%w: layout %s", ErrUnsupported, desc.Layout())
}

// symmetricScale maps the wider-magnitude side of [lo, hi] to 127.
// The caller rules out hi == lo == 0.
func symmetricScale(hi, lo float32) float32 {
	switch {
	case hi > 0 && lo < 0:
		return min(simd.QMax/hi, -simd.QMax/lo)
	case hi <= 0:
		return -simd.QMax / lo
	default:
		return simd.QMax / hi
	}
}
