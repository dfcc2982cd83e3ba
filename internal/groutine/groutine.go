// Package groutine starts named background goroutines. Names show up as pprof
// labels, which makes per-connection loops easy to tell apart in goroutine
// dumps.
package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go runs fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, groutine.Name("gatt-client", peer, "rx"), func(ctx context.Context) {
//	    c.readLoop(ctx)
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// GoDone is Go with a channel that is closed once fn returns.
func GoDone(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	Go(parentCtx, name, func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	return done
}

// Name joins a component name with identifying parts, e.g. "gatt-client[aa:bb]:rx".
func Name(component string, id any, role string) string {
	if role == "" {
		return fmt.Sprintf("%s[%v]", component, id)
	}
	return fmt.Sprintf("%s[%v]:%s", component, id, role)
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}
