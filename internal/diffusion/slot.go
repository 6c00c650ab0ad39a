package diffusion

import (
	"sync"

	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/metrics"
)

// Slot holds one lazily compiled sub-model. It is either unloaded or loaded with a value
// that must be released on unload.
type Slot[T any] struct {
	name    string
	release func(T)

	mu     sync.Mutex
	value  T
	loaded bool
}

func NewSlot[T any](name string, release func(T)) *Slot[T] {
	return &Slot[T]{name: name, release: release}
}

func (s *Slot[T]) Name() string { return s.name }

// Load returns the held value, building it with fn when the slot is empty.
func (s *Slot[T]) Load(fn func() (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.value, nil
	}
	v, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	s.value, s.loaded = v, true
	metrics.RecordSlot(s.name, true)
	logger.Log.Debug("slot loaded", "slot", s.name)
	return v, nil
}

// Get returns the held value without loading.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.loaded
}

func (s *Slot[T]) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Unload releases the held value. Unloading an empty slot is a no-op.
func (s *Slot[T]) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return
	}
	if s.release != nil {
		s.release(s.value)
	}
	var zero T
	s.value, s.loaded = zero, false
	metrics.RecordSlot(s.name, false)
	logger.Log.Debug("slot unloaded", "slot", s.name)
}
