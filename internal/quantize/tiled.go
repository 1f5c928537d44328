package quantize

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// tiledQuantizer calibrates each of the TileCount transform positions of a
// HWNCN8C4 filter independently.
//
// The buffer is a sequence of groups, one per 8 output channels. Each group
// holds TileCount runs of 8*inner values, run k belonging to tile k.
type tiledQuantizer struct {
	groups  int // n / 8
	inner   int // c
	workers int
}

func (tiledQuantizer) name() string { return "tiled" }

func (t tiledQuantizer) runLen() int   { return simd.Lanes * t.inner }
func (t tiledQuantizer) blockLen() int { return TileCount * t.runLen() }

func (t tiledQuantizer) quantize(src []float16.Float16, dst []int8) (outcome, error) {
	scales := make([]float32, TileCount)

	var g errgroup.Group
	g.SetLimit(max(t.workers, 1))
	for idx := 0; idx < TileCount; idx++ {
		g.Go(func() error {
			s, err := t.quantizeTile(idx, src, dst)
			if err != nil {
				return err
			}
			scales[idx] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcome{}, err
	}
	return outcome{scales: scales}, nil
}

// quantizeTile reads and writes only the runs belonging to tile idx.
func (t tiledQuantizer) quantizeTile(idx int, src []float16.Float16, dst []int8) (float32, error) {
	run, block := t.runLen(), t.blockLen()

	var b simd.Bounds
	for o := 0; o < t.groups; o++ {
		base := o*block + idx*run
		b.Extend(src[base : base+run])
	}
	if b.Empty() || (b.Max == 0 && b.Min == 0) {
		return 0, fmt.Errorf("%w: tile %d is all zero", ErrUnsupported, idx)
	}

	// Fresh and tight for exactly this slice, so no clamping.
	scale := symmetricScale(b.Max, b.Min)
	for o := 0; o < t.groups; o++ {
		base := o*block + idx*run
		simd.ScaleRound(dst[base:base+run], src[base:base+run], scale, false)
	}

	log.Debug().Int("tile", idx).Float32("max", b.Max).Float32("min", b.Min).Float32("scale", scale).Msg("Tile quantized")
	return scale, nil
}

// TileIndex returns the transform position of element i of a HWNCN8C4 tensor
// with inner channel count c.
func TileIndex(c, i int) int {
	run := simd.Lanes * c
	return (i % (TileCount * run)) / run
}
