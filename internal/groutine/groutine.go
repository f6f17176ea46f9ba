// Package groutine starts goroutines carrying a pprof name label, so connection
// monitors, reconnect attempts and fan-out workers are identifiable in profiles.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labeled with name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "reconnect:AA:BB", func(ctx context.Context) {
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}

// Group runs named goroutines and waits for all of them.
type Group struct {
	ctx context.Context
	wg  sync.WaitGroup
}

// NewGroup creates a Group whose goroutines inherit ctx.
func NewGroup(ctx context.Context) *Group {
	return &Group{ctx: ctx}
}

// Go starts fn as a named member of the group.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started by the group returns.
func (g *Group) Wait() {
	g.wg.Wait()
}
