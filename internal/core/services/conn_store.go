package services

import (
	"sync"

	"rillcast/internal/core/domain"
)

// connStore keeps resources keyed first by owning connection and then by
// resource id, so a connection's entries can be dropped in one step.
type connStore[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[domain.ConnectionID]map[K]V
}

func newConnStore[K comparable, V any]() *connStore[K, V] {
	return &connStore[K, V]{entries: make(map[domain.ConnectionID]map[K]V)}
}

// insert stores v and reports false if the key is already taken.
func (s *connStore[K, V]) insert(conn domain.ConnectionID, key K, v V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	inner, ok := s.entries[conn]
	if !ok {
		inner = make(map[K]V)
		s.entries[conn] = inner
	}
	if _, exists := inner[key]; exists {
		return false
	}
	inner[key] = v
	return true
}

func (s *connStore[K, V]) get(conn domain.ConnectionID, key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[conn][key]
	return v, ok
}

// remove deletes one entry and reports whether it was present.
func (s *connStore[K, V]) remove(conn domain.ConnectionID, key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	inner, ok := s.entries[conn]
	if !ok {
		return zero, false
	}
	v, ok := inner[key]
	if !ok {
		return zero, false
	}
	delete(inner, key)
	if len(inner) == 0 {
		delete(s.entries, conn)
	}
	return v, true
}

// removeAll detaches every entry of conn and returns them.
func (s *connStore[K, V]) removeAll(conn domain.ConnectionID) []V {
	s.mu.Lock()
	inner := s.entries[conn]
	delete(s.entries, conn)
	s.mu.Unlock()

	out := make([]V, 0, len(inner))
	for _, v := range inner {
		out = append(out, v)
	}
	return out
}

// find returns the first entry across all connections accepted by match.
func (s *connStore[K, V]) find(match func(V) bool) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inner := range s.entries {
		for _, v := range inner {
			if match(v) {
				return v, true
			}
		}
	}
	var zero V
	return zero, false
}

func (s *connStore[K, V]) filter(match func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []V
	for _, inner := range s.entries {
		for _, v := range inner {
			if match(v) {
				out = append(out, v)
			}
		}
	}
	return out
}

func (s *connStore[K, V]) countFor(conn domain.ConnectionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[conn])
}

func (s *connStore[K, V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, inner := range s.entries {
		n += len(inner)
	}
	return n
}
