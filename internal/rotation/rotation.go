// Package rotation advances a featured item over a fixed list on a timer.
package rotation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmpty is returned by New when there is nothing to rotate.
var ErrEmpty = errors.New("rotation: no items")

// Rotator cycles through items, advancing once per interval while Run is active.
type Rotator[T any] struct {
	items    []T
	interval time.Duration

	mu    sync.RWMutex
	index int

	onAdvance func(index int, item T)
}

// New returns a Rotator positioned on the first item. items is copied.
func New[T any](items []T, interval time.Duration) (*Rotator[T], error) {
	if len(items) == 0 {
		return nil, ErrEmpty
	}
	if interval <= 0 {
		return nil, errors.New("rotation: interval must be positive")
	}
	cp := make([]T, len(items))
	copy(cp, items)
	return &Rotator[T]{items: cp, interval: interval}, nil
}

// OnAdvance registers fn to be called after each advance. Call before Run.
func (r *Rotator[T]) OnAdvance(fn func(index int, item T)) {
	r.onAdvance = fn
}

// Run advances the index every interval until ctx is done, then returns ctx.Err().
func (r *Rotator[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			i, item := r.Advance()
			if r.onAdvance != nil {
				r.onAdvance(i, item)
			}
		}
	}
}

// Advance moves to the next item, wrapping at the end.
func (r *Rotator[T]) Advance() (int, T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = (r.index + 1) % len(r.items)
	return r.index, r.items[r.index]
}

// Current returns the featured item.
func (r *Rotator[T]) Current() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[r.index]
}

// Index returns the featured item's position.
func (r *Rotator[T]) Index() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// Len returns the number of items.
func (r *Rotator[T]) Len() int {
	return len(r.items)
}
