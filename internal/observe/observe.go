// Package observe provides the listener registry shared by documents,
// handles, sessions and presence trackers.
package observe

import (
	"sync"
)

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Set holds listeners in registration order. The zero value is ready to use.
type Set[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []entry[T]
}

// Add registers fn and returns a cancel func that removes it. Calling cancel
// more than once is harmless.
func (s *Set[T]) Add(fn func(T)) (cancel func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.entries = append(s.entries, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { s.remove(id) }) }
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every listener with v. Listeners run on the caller's goroutine
// without the set's lock held, so they may add or cancel listeners.
func (s *Set[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]entry[T], len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len reports the number of registered listeners.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every listener.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
