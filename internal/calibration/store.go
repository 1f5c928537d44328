package calibration

import (
	"math"
	"sync"
)

// Store keeps the calibrated scale of every tensor seen so far. Scales only
// grow, so a scale remains valid for every batch observed before it.
type Store interface {
	// Get returns the current scale of a tensor.
	Get(name string) (float32, bool)
	// Observe records a freshly returned scale and returns the scale kept.
	// Scales that are not finite and positive are ignored.
	Observe(name string, scale float32) float32
	// Reset forgets a tensor.
	Reset(name string)
	// Size returns the number of tensors tracked.
	Size() int
	// Snapshot returns a copy of all scales.
	Snapshot() map[string]float32
}

// MapStore is an in-memory Store safe for concurrent use.
type MapStore struct {
	data map[string]float32
	mu   sync.RWMutex
}

func NewMapStore() *MapStore {
	return &MapStore{
		data: make(map[string]float32),
	}
}

func (s *MapStore) Get(name string) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[name]
	return v, ok
}

func (s *MapStore) Observe(name string, scale float32) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.data[name]
	if !(scale > 0) || math.IsInf(float64(scale), 1) {
		return old
	}
	if ok && old >= scale {
		return old
	}
	s.data[name] = scale
	storedScales.Set(float64(len(s.data)))
	return scale
}

func (s *MapStore) Reset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, name)
	storedScales.Set(float64(len(s.data)))
}

func (s *MapStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MapStore) Snapshot() map[string]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float32, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
