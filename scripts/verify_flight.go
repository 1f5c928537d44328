//go:build ignore

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Quiver Flight Server")

	c, err := client.NewFlightClient(addr, client.NewCircuitBreaker(10, time.Second))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	rng := rand.New(rand.NewPCG(1, 2))
	random := func(desc tensor.Desc) []float16.Float16 {
		out := make([]float16.Float16, desc.NumElements())
		for i := range out {
			out[i] = float16.Fromfloat32(rng.Float32()*2 - 1)
		}
		return out
	}
	dense := tensor.New4D(tensor.Float16, tensor.Dense, 64, 32, 3, 3)
	wino := tensor.New4D(tensor.Float16, tensor.BlockTransformed, 64, 32, 6, 6)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildSourceRecordBatch([]client.SourceTensor{
		{Name: "conv1.weight", Desc: dense, Data: random(dense)},
		{Name: "conv2.weight", Desc: wino, Data: random(wino)},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	defer rec.Release()

	// Retry while the server starts.
	start := time.Now()
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = c.DoPut(ctx, "verify", rec)
		cancel()
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("DoPut failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to send tensors after retries")
	}

	log.Info().Dur("elapsed", time.Since(start)).Int64("tensors", rec.NumRows()).Msg("Tensors quantized")
	fmt.Println("VERIFICATION PASSED")
}
