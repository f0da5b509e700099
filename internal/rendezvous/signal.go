// Package rendezvous provides a one-shot, multi-waiter notification.
//
// A Signal is resolved exactly once. Every waiter, present or future,
// observes the same value. It is not reusable after firing.
//
// Example Usage:
//
//	sig := rendezvous.New[bool]()
//	go func() { sig.Notify(true) }()
//	ok, err := sig.Wait(ctx)
package rendezvous

import (
	"context"
	"sync"
)

// Signal is a broadcast future resolved by the first Notify call.
type Signal[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// New creates an unresolved signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Notify resolves the signal with v and wakes all waiters.
// It reports whether this call was the one that resolved it.
func (s *Signal[T]) Notify(v T) bool {
	fired := false
	s.once.Do(func() {
		s.value = v
		close(s.done)
		fired = true
	})
	return fired
}

// Wait blocks until the signal is resolved or ctx is done.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed on resolution.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Value returns the resolved value, if any.
func (s *Signal[T]) Value() (T, bool) {
	select {
	case <-s.done:
		return s.value, true
	default:
		var zero T
		return zero, false
	}
}
