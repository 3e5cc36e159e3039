// Package latch provides single-fire notification primitives.
package latch

import "sync"

// Once is a value that can be set exactly once. Any number of goroutines may
// race to Fire it; only the first succeeds and every waiter on Done observes
// the same value.
type Once[T any] struct {
	mu    sync.Mutex
	fired bool
	value T
	done  chan struct{}
}

// NewOnce creates an unfired Once.
func NewOnce[T any]() *Once[T] {
	return &Once[T]{done: make(chan struct{})}
}

// Fire stores v and releases waiters. It reports whether this call won.
func (o *Once[T]) Fire(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return false
	}
	o.fired = true
	o.value = v
	close(o.done)
	return true
}

// Done is closed once Fire has succeeded.
func (o *Once[T]) Done() <-chan struct{} {
	return o.done
}

// Value returns the fired value and whether Fire has happened.
func (o *Once[T]) Value() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.fired
}

// Fired reports whether Fire has succeeded.
func (o *Once[T]) Fired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fired
}
