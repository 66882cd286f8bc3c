// Package inmem provides the in-memory state.Store implementation. Each
// invocation owns exactly one store; the mutex only guards against observers
// (status queries, snapshots) racing the invocation's own task.
package inmem

import (
	"sort"
	"sync"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/state"
)

// Store implements state.Store with a mutex-guarded map.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]any)}
}

// Get implements state.Store.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set implements state.Store.
func (s *Store) Set(key string, value any) (any, error) {
	norm, err := state.Normalize(value)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = norm
	return norm, nil
}

// Incr implements state.Store.
func (s *Store) Incr(key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := 0.0
	if v, ok := s.values[key]; ok {
		n, isNum := v.(float64)
		if !isNum {
			return 0, fault.New(fault.KindValidation, "state key %q holds %T, not a number", key, v)
		}
		current = n
	}
	total := current + delta
	s.values[key] = total
	return total, nil
}

// Has implements state.Store.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Clear implements state.Store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}

// Dump implements state.Store.
func (s *Store) Dump() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys implements state.Store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Restore implements state.Store.
func (s *Store) Restore(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}
