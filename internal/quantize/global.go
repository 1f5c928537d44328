package quantize

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// globalQuantizer computes one scale covering the whole tensor.
type globalQuantizer struct {
	prior    float32
	hasPrior bool
}

func (globalQuantizer) name() string { return "global" }

func (g globalQuantizer) quantize(src []float16.Float16, dst []int8) (outcome, error) {
	if len(src) < simd.Lanes {
		panic(fmt.Sprintf("quantize: generic path needs at least %d elements, got %d", simd.Lanes, len(src)))
	}

	hi, lo := simd.MinMax(src)
	if hi == 0 && lo == 0 {
		clear(dst)
		zeroTensors.Inc()
		log.Debug().Int("elements", len(src)).Msg("All-zero tensor, using scale 1")
		return outcome{scales: []float32{1}, zero: true}, nil
	}

	candidate := symmetricScale(hi, lo)
	log.Debug().Float32("max", hi).Float32("min", lo).Float32("candidate", candidate).Msg("Observed tensor range")

	// The scale only grows across calibration passes. A stale, larger scale
	// may push values of this tensor past 127, so saturate in that case.
	scale := candidate
	if g.hasPrior && g.prior > candidate {
		scale = g.prior
	}
	clamp := scale != candidate

	simd.ScaleRound(dst, src, scale, clamp)

	log.Debug().Float32("scale", scale).Bool("clamp", clamp).Msg("Quantization scale")
	return outcome{scales: []float32{scale}, clamped: clamp}, nil
}
