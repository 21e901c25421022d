// Package serial provides the global serial ordering the engine relies on:
// every state-mutating operation runs to completion under one executor,
// and nested entry through the same executor or guard fails instead of
// interleaving.
package serial

import (
	"context"
	"sync"

	"github.com/atmx/dual-engine/internal/model"
)

// Executor runs operations one at a time.
type Executor struct {
	mu sync.Mutex
}

type scopeKey struct{ owner any }

// Do runs fn under the executor's lock. Calling Do again from inside fn
// (with the context fn received) returns model.ErrReentrant.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(scopeKey{e}) != nil {
		return model.ErrReentrant
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(context.WithValue(ctx, scopeKey{e}, true))
}

// InScope reports whether ctx is inside a Do call of e.
func (e *Executor) InScope(ctx context.Context) bool {
	return ctx.Value(scopeKey{e}) != nil
}

// Guard marks a non-reentrant region without taking a lock. Callers are
// expected to already be serialized by an Executor.
type Guard struct {
	name string
}

// NewGuard creates a named guard.
func NewGuard(name string) *Guard {
	return &Guard{name: name}
}

// Enter returns a context marked as inside the guard, or ErrReentrant when
// ctx already is.
func (g *Guard) Enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(scopeKey{g}) != nil {
		return ctx, model.ErrReentrant
	}
	return context.WithValue(ctx, scopeKey{g}, g.name), nil
}
