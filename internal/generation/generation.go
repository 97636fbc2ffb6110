// Package generation tracks which published versions of a copy-on-write
// structure are still reachable by readers.
//
// A writer publishes values, each under a new generation number. Readers pin
// the current generation with a Guard. Retired resources are tagged with the
// generation they were retired under and handed back only once every
// generation that could still reach them has been released.
package generation

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrGuardReleased is returned when a guard is used after Release or
// released twice.
var ErrGuardReleased = errors.New("read guard already released")

// invalidated marks a hold whose pin count can no longer be raised.
const invalidated = -1

type hold[T any] struct {
	gen   uint64
	value T
	refs  atomic.Int64
}

// Handler publishes values under increasing generations and counts the
// guards pinning each one. Publish and Reclaim must be called by a single
// writer; TakeGuard and Guard.Release are safe from any goroutine.
type Handler[T any] struct {
	current atomic.Pointer[hold[T]]

	// old holds, oldest first. Only the writer appends and trims; mu lets
	// OldestUsed and Held run on other goroutines.
	mu  sync.Mutex
	old []*hold[T]

	guards atomic.Int64
}

// NewHandler returns a handler whose generation 0 holds initial.
func NewHandler[T any](initial T) *Handler[T] {
	h := &Handler[T]{}
	h.current.Store(&hold[T]{gen: 0, value: initial})
	return h
}

// Current returns the current generation and its value.
func (h *Handler[T]) Current() (uint64, T) {
	c := h.current.Load()
	return c.gen, c.value
}

// Publish makes v the current value under the next generation and returns
// that generation.
func (h *Handler[T]) Publish(v T) uint64 {
	prev := h.current.Load()
	next := &hold[T]{gen: prev.gen + 1, value: v}

	h.mu.Lock()
	h.old = append(h.old, prev)
	h.mu.Unlock()

	h.current.Store(next)
	return next.gen
}

// TakeGuard pins the current generation.
func (h *Handler[T]) TakeGuard() *Guard[T] {
	for {
		c := h.current.Load()
		refs := c.refs.Load()
		if refs == invalidated {
			// The writer reclaimed this hold after we loaded it; a newer
			// one is already current.
			continue
		}
		if c.refs.CompareAndSwap(refs, refs+1) {
			h.guards.Add(1)
			return &Guard[T]{handler: h, hold: c}
		}
	}
}

// Reclaim invalidates old generations that no guard pins, oldest first,
// stopping at the first pinned one. It returns the oldest generation that
// may still be in use.
func (h *Handler[T]) Reclaim() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, o := range h.old {
		if !o.refs.CompareAndSwap(0, invalidated) {
			break
		}
		var zero T
		o.value = zero
		n++
	}
	clear(h.old[:n])
	h.old = h.old[n:]

	if len(h.old) > 0 {
		return h.old[0].gen
	}
	return h.current.Load().gen
}

// OldestUsed returns the oldest generation that has not been reclaimed.
func (h *Handler[T]) OldestUsed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.old) > 0 {
		return h.old[0].gen
	}
	return h.current.Load().gen
}

// Held returns the number of old generations not yet reclaimed.
func (h *Handler[T]) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.old)
}

// Guards returns the number of live guards.
func (h *Handler[T]) Guards() int64 {
	return h.guards.Load()
}

// Guard pins one generation until released.
type Guard[T any] struct {
	handler  *Handler[T]
	hold     *hold[T]
	released atomic.Bool
}

// Value returns the pinned value.
func (g *Guard[T]) Value() (T, error) {
	if g.released.Load() {
		var zero T
		return zero, ErrGuardReleased
	}
	return g.hold.value, nil
}

// Generation returns the pinned generation.
func (g *Guard[T]) Generation() uint64 {
	return g.hold.gen
}

// Released reports whether Release has been called.
func (g *Guard[T]) Released() bool {
	return g.released.Load()
}

// Release unpins the generation. A second call returns ErrGuardReleased.
func (g *Guard[T]) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return ErrGuardReleased
	}
	g.hold.refs.Add(-1)
	g.handler.guards.Add(-1)
	return nil
}
