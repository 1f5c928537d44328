//go:build ignore

package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"os"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// Writes a random fp16 tensor for `quiver -input`.
func main() {
	shape := flag.String("shape", "8,4,6,6", "Tensor dimensions")
	amp := flag.Float64("amp", 1, "Values are drawn from [-amp, amp)")
	out := flag.String("out", "tensor.bin", "Output path")
	seed := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	dims, err := tensor.ParseDims(*shape)
	if err != nil {
		log.Fatalf("Invalid shape: %v", err)
	}
	desc, err := tensor.FromDims(tensor.Float16, tensor.Dense, dims)
	if err != nil {
		log.Fatalf("Invalid shape: %v", err)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed))
	data := make([]float16.Float16, desc.NumElements())
	for i := range data {
		data[i] = float16.Fromfloat32(float32((rng.Float64()*2 - 1) * *amp))
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()
	if err := weights.WriteFloat16(f, data); err != nil {
		log.Fatalf("Failed to write tensor: %v", err)
	}
	log.Printf("Wrote %s (%d bytes) to %s", desc, desc.NumBytes(), *out)
}
