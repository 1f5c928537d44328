package calibration

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapStore_Observe(t *testing.T) {
	s := NewMapStore()

	_, ok := s.Get("conv1")
	assert.False(t, ok)

	assert.Equal(t, float32(63.5), s.Observe("conv1", 63.5))
	assert.Equal(t, float32(100), s.Observe("conv1", 100))
	// Smaller scales never replace a larger one.
	assert.Equal(t, float32(100), s.Observe("conv1", 20))

	v, ok := s.Get("conv1")
	assert.True(t, ok)
	assert.Equal(t, float32(100), v)

	assert.Equal(t, float32(0), s.Observe("conv2", 0))
	_, ok = s.Get("conv2")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Size())
}

func TestMapStore_IgnoresNonFinite(t *testing.T) {
	s := NewMapStore()
	s.Observe("conv1", 10)

	for _, bad := range []float32{float32(math.Inf(1)), float32(math.NaN()), -1} {
		assert.Equal(t, float32(10), s.Observe("conv1", bad))
		assert.Equal(t, float32(0), s.Observe("fresh", bad))
	}

	v, _ := s.Get("conv1")
	assert.Equal(t, float32(10), v)
	_, ok := s.Get("fresh")
	assert.False(t, ok)
}

func TestMapStore_ResetAndSnapshot(t *testing.T) {
	s := NewMapStore()
	s.Observe("a", 1)
	s.Observe("b", 2)

	snap := s.Snapshot()
	assert.Equal(t, map[string]float32{"a": 1, "b": 2}, snap)

	// Snapshot is a copy
	snap["a"] = 99
	v, _ := s.Get("a")
	assert.Equal(t, float32(1), v)

	s.Reset("a")
	assert.Equal(t, 1, s.Size())
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestMapStore_Concurrent(t *testing.T) {
	s := NewMapStore()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				s.Observe(fmt.Sprintf("t%d", i%4), float32(i+w))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 4, s.Size())
	v, _ := s.Get("t0")
	assert.Equal(t, float32(107), v)
}
