// Copyright 2026 The Periscope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// StateStore holds a current value and notifies subscribers on every
// change. Subscribing delivers the current value immediately, so a
// late subscriber never misses the state it joined in — replay-of-one
// rather than future-events-only.
//
// Callbacks run synchronously on the goroutine that calls Set, in
// subscription order. Subscribers must not call back into the store.
type StateStore[T comparable] struct {
	mu          sync.Mutex
	current     T
	subscribers []func(T)
}

// NewStateStore creates a store holding the initial value.
func NewStateStore[T comparable](initial T) *StateStore[T] {
	return &StateStore[T]{current: initial}
}

// Get returns the current value.
func (s *StateStore[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the value and notifies subscribers. Setting the current
// value again is a no-op.
func (s *StateStore[T]) Set(value T) {
	s.mu.Lock()
	if value == s.current {
		s.mu.Unlock()
		return
	}
	s.current = value
	subscribers := append([]func(T){}, s.subscribers...)
	s.mu.Unlock()

	for _, subscriber := range subscribers {
		subscriber(value)
	}
}

// Subscribe registers a callback for future changes and invokes it
// with the current value before returning.
func (s *StateStore[T]) Subscribe(callback func(T)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, callback)
	current := s.current
	s.mu.Unlock()

	callback(current)
}
