package gatt

import (
	"context"
	"sync"
	"time"
)

// Wait calls start and blocks until the completion it was handed is invoked
// or timeout elapses, whichever comes first.
//
// The completion is a single-slot rendezvous: the first call wins, later
// calls are dropped. After a timeout the operation is not retracted; its
// eventual completion lands in the abandoned slot and is discarded.
func Wait[T any](timeout time.Duration, start func(complete func(T, error))) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return WaitContext(ctx, start)
}

// WaitContext is Wait bounded by ctx instead of a timeout. A context deadline
// is reported as ErrTimeout, a cancellation as ctx.Err().
func WaitContext[T any](ctx context.Context, start func(complete func(T, error))) (T, error) {
	type result struct {
		value T
		err   error
	}

	slot := make(chan result, 1)
	var once sync.Once
	complete := func(v T, err error) {
		once.Do(func() { slot <- result{value: v, err: err} })
	}

	start(complete)

	select {
	case r := <-slot:
		return r.value, r.err
	case <-ctx.Done():
		// a completion racing the deadline still wins
		select {
		case r := <-slot:
			return r.value, r.err
		default:
		}
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

// Run executes a blocking fn on its own goroutine and waits for it up to timeout.
// On timeout fn keeps running; its result is discarded.
func Run[T any](timeout time.Duration, fn func() (T, error)) (T, error) {
	return Wait(timeout, func(complete func(T, error)) {
		go func() {
			complete(fn())
		}()
	})
}
