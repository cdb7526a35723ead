package events

import (
	"context"
	"sort"
	"sync"
)

// Listener receives the value a Subject was notified with.
type Listener[T any] func(ctx context.Context, value T)

// Subject is a typed, synchronous observable. Each store owns one and
// notifies it with a fresh snapshot after every successful write, so
// listeners never have to re-read storage to learn what changed.
type Subject[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener[T]
}

// NewSubject creates an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{listeners: make(map[int]Listener[T])}
}

// Subscribe registers l and returns a function that removes it.
func (s *Subject[T]) Subscribe(l Listener[T]) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Notify calls every listener in subscription order.
func (s *Subject[T]) Notify(ctx context.Context, value T) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener[T], len(ids))
	for i, id := range ids {
		ls[i] = s.listeners[id]
	}
	s.mu.RUnlock()

	for _, l := range ls {
		l(ctx, value)
	}
}

// Len returns the number of listeners.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
