package userdata

import (
	"context"
	"sync"
)

// Cell is a piece of state that can be updated atomically and restored.
type Cell[S any] interface {
	// Update applies fn to the current value and returns the value it replaced.
	Update(fn func(S) S) S
	// Restore puts a previously returned value back.
	Restore(S)
}

// ApplyWithRollback applies mutate, awaits remote and restores the prior value
// when remote fails. The remote error is returned unchanged.
func ApplyWithRollback[S any](ctx context.Context, cell Cell[S], mutate func(S) S, remote func(context.Context) error) error {
	prev := cell.Update(mutate)
	if err := remote(ctx); err != nil {
		cell.Restore(prev)
		return err
	}
	return nil
}

// Value is a mutex-guarded Cell.
type Value[S any] struct {
	mu sync.Mutex
	v  S
}

func NewValue[S any](v S) *Value[S] {
	return &Value[S]{v: v}
}

func (c *Value[S]) Get() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *Value[S]) Update(fn func(S) S) S {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.v
	c.v = fn(c.v)
	return prev
}

func (c *Value[S]) Restore(v S) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}
