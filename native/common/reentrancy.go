package common

import (
	"context"
	"errors"
	"sync"
)

// ErrReentrantCall is returned when a call chain attempts to re-enter a guarded
// component before the outer call has returned.
var ErrReentrantCall = errors.New("reentrant call")

type guardKey struct{ g *ReentrancyGuard }

// ReentrancyGuard admits one guarded call at a time. The outer call receives a
// context carrying a marker. Any Enter made while the guard is held fails with
// ErrReentrantCall, whether it carries that context or a fresh one, so a
// callee re-entering through an unrelated context cannot deadlock. Concurrent
// callers must serialise outside the guard.
type ReentrancyGuard struct {
	mu sync.Mutex
}

// Enter acquires the guard without blocking. The returned release function
// must be called exactly once when the guarded section completes.
func (g *ReentrancyGuard) Enter(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if g.Held(ctx) || !g.mu.TryLock() {
		return ctx, func() {}, ErrReentrantCall
	}
	var once sync.Once
	release := func() { once.Do(g.mu.Unlock) }
	return context.WithValue(ctx, guardKey{g: g}, true), release, nil
}

// Held reports whether ctx was derived from an active Enter on this guard.
func (g *ReentrancyGuard) Held(ctx context.Context) bool {
	if g == nil || ctx == nil {
		return false
	}
	held, _ := ctx.Value(guardKey{g: g}).(bool)
	return held
}
